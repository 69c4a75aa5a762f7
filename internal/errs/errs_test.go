package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamClosedIsUnreachable(t *testing.T) {
	assert.True(t, errors.Is(ErrStreamClosed, ErrUnreachable))
	assert.False(t, errors.Is(ErrUnreachable, ErrStreamClosed))
	assert.True(t, IsRetryable(fmt.Errorf("send: %w", ErrStreamClosed)))
	assert.False(t, IsRetryable(ErrUnauthorized))
	assert.False(t, IsRetryable(ErrEOF))
}

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		typ   Type
		class error
	}{
		{"validation", Validationf("extra key %d", 4), TypeValidation, ErrValidation},
		{"not found", NotFoundf("channel %d", 2), TypeNotFound, ErrNotFound},
		{"stream closed", fmt.Errorf("recv: %w", ErrStreamClosed), TypeStreamClosed, ErrStreamClosed},
		{"unreachable", ErrUnreachable, TypeUnreachable, ErrUnreachable},
		{"unauthorized", fmt.Errorf("%w: channel 1 held by other subject", ErrUnauthorized), TypeUnauthorized, ErrUnauthorized},
		{"eof", ErrEOF, TypeEOF, ErrEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Encode(tt.err)
			assert.Equal(t, tt.typ, p.Type)
			assert.Equal(t, tt.err.Error(), p.Message)

			decoded := Decode(p)
			require.Error(t, decoded)
			assert.True(t, errors.Is(decoded, tt.class))
			assert.Equal(t, tt.err.Error(), decoded.Error())
		})
	}
}

func TestEncodeDecodeNil(t *testing.T) {
	assert.Equal(t, Payload{}, Encode(nil))
	assert.NoError(t, Decode(Payload{}))
}

func TestDecodeUnknownType(t *testing.T) {
	err := Decode(Payload{Type: "martian", Message: "boom"})
	assert.True(t, errors.Is(err, ErrUnexpected))
	assert.Equal(t, "boom", err.Error())

	p := Encode(errors.New("plain"))
	assert.Equal(t, TypeUnknown, p.Type)
	assert.True(t, errors.Is(Decode(p), ErrUnexpected))
}
