//go:build linux

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/burrow/pkg/cred"
	"github.com/cuemby/burrow/pkg/wire"
)

func sigNotify() chan syscall.Signal {
	raw := make(chan os.Signal, 4)
	signal.Notify(raw, syscall.SIGINT, syscall.SIGTERM)
	out := make(chan syscall.Signal, 4)
	go func() {
		for s := range raw {
			if ss, ok := s.(syscall.Signal); ok {
				out <- ss
			}
		}
	}()
	return out
}

// credSignature extracts the signature from a packed credential blob.
func credSignature(blob []byte) ([]byte, error) {
	capability, c, err := cred.UnpackAny(wire.NewBufferFrom(blob))
	if err != nil {
		return nil, err
	}
	return capability.Signature(c), nil
}
