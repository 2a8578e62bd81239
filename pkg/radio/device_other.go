//go:build !linux

package radio

import "fmt"

func openDevice(a Args, format Format, bufferSamples int) (Source, error) {
	return nil, fmt.Errorf("device capture not supported on this platform")
}

func openCommand(a Args, format Format, bufferSamples int) (Source, error) {
	return nil, fmt.Errorf("exec capture not supported on this platform")
}
