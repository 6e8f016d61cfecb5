package database

import (
	"github.com/bytedance/sonic"
)

// Codec encodes records exchanged with the store.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// SonicCodec uses the encoding/json compatible sonic configuration, so map keys are
// sorted and numbers decode to float64.
type SonicCodec struct {
	api sonic.API
}

func NewSonicCodec() *SonicCodec {
	return &SonicCodec{api: sonic.ConfigStd}
}

func (c *SonicCodec) Marshal(v any) ([]byte, error) {
	return c.api.Marshal(v)
}

func (c *SonicCodec) Unmarshal(data []byte, v any) error {
	return c.api.Unmarshal(data, v)
}
