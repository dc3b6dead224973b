//go:build !whisper_native

package whisper

import (
	"context"
	"errors"

	"github.com/perkell/syrinx/pkg/provider/stt"
)

var errNativeNotBuilt = errors.New("whisper: native provider requires building with -tags whisper_native")

// NativeProvider is the whisper.cpp in-process provider. This build does not
// include the CGO bindings; constructing or using the provider returns an
// error directing the operator to the whisper_native build tag.
type NativeProvider struct{}

var _ stt.Provider = (*NativeProvider)(nil)

// NativeOption configures a NativeProvider. Options are accepted in all
// builds so registration code compiles without the whisper_native tag.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the BCP-47 language code. Defaults to "en".
func WithNativeLanguage(string) NativeOption {
	return func(*NativeProvider) {}
}

// NewNative reports that the binary was built without whisper.cpp support.
func NewNative(string, ...NativeOption) (*NativeProvider, error) {
	return nil, errNativeNotBuilt
}

// StartStream always fails in builds without the whisper_native tag.
func (p *NativeProvider) StartStream(context.Context, stt.StreamConfig) (stt.SessionHandle, error) {
	return nil, errNativeNotBuilt
}
