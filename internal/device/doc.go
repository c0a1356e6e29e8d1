// Package device provides file backed capture and playback devices. They
// stand in for the microphone and speaker on machines without an audio host
// and in end to end tests. The portaudio subpackage drives real hardware.
package device
