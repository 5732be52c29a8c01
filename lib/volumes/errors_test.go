package volumes

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{fmt.Errorf("%w: device id 3 is reserved", ErrInvalidParameter), KindValidation},
		{fmt.Errorf("%w: account over quota", ErrResourceAllocationExceeded), KindValidation},
		{fmt.Errorf("volume 4: %w", ErrNotFound), KindNotFound},
		{fmt.Errorf("%w: Ready on Creating", ErrNoTransition), KindConcurrency},
		{ErrConcurrentOperation, KindConcurrency},
		{fmt.Errorf("%w: pool full", ErrStorageUnavailable), KindRemoteDefinitive},
		{fmt.Errorf("create: %w", context.DeadlineExceeded), KindRemoteAmbiguous},
		{errors.Join(ErrStorageUnavailable, ErrOutcomeUnknown), KindRemoteAmbiguous},
		{fmt.Errorf("%w: no secondary store", ErrMisconfigured), KindFatal},
		{errors.New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(ErrConcurrentOperation))
	assert.True(t, Retryable(ErrOutcomeUnknown))
	assert.False(t, Retryable(ErrInvalidParameter))
	assert.False(t, Retryable(ErrMisconfigured))
}
