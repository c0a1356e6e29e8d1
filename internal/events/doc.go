// Package events fans protocol messages out to UI subscribers.
//
// The Bus keeps a bounded, sequenced history for incremental reads and pushes
// each message to live subscribers without ever blocking the publisher.
package events
