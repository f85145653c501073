package cwerr

import (
	"errors"
	"strings"
	"testing"
)

func TestArg(t *testing.T) {
	err := Arg("unknown device index %d", 7)
	if !errors.Is(err, ErrInvalidArg) {
		t.Error("Arg must wrap ErrInvalidArg")
	}
	if !strings.Contains(err.Error(), "unknown device index 7") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestOp(t *testing.T) {
	t.Run("With Cause", func(t *testing.T) {
		cause := errors.New("EPIPE")
		err := Op(cause, "write on %s failed", "hw:0,0")
		if !errors.Is(err, ErrOpFail) {
			t.Error("Op must wrap ErrOpFail")
		}
		if !strings.Contains(err.Error(), "EPIPE") {
			t.Errorf("cause lost: %v", err)
		}
		if !strings.Contains(err.Error(), "hw:0,0") {
			t.Errorf("unexpected message: %v", err)
		}
	})

	t.Run("Without Cause", func(t *testing.T) {
		err := Op(nil, "name runs past the message end")
		if !errors.Is(err, ErrOpFail) {
			t.Error("Op must wrap ErrOpFail")
		}
	})
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrInvalidArg, ErrInvalidOp, ErrResourceNotAvailable,
		ErrTimeout, ErrOpFail, ErrBufTooSmall, ErrEOF,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && errors.Is(a, b) {
				t.Errorf("sentinels %d and %d must not match", i, j)
			}
		}
	}
}
