package codec

import "fmt"

// EncodeError reports a value the registry cannot encode.
type EncodeError struct {
	Path string
	Type string
	Err  error
}

func (e *EncodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("encode %s (%s): %v", e.Path, e.Type, e.Err)
	}
	return fmt.Sprintf("encode %s: type %s is not registered", e.Path, e.Type)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// DecodeError reports a corrupt or incompatible snapshot.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("decode snapshot: %v", e.Err)
	}
	return fmt.Sprintf("decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
