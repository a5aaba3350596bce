// Package queue is the transport between the enqueue API and the email
// worker: SQS (the default) and NATS JetStream publishers, the envelope
// codec both share, and the SQS operator helpers used by jobctl.
package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"bulkmail/internal/types"
)

// ContentEncodingZstd marks a body that is base64(zstd(json)).
const ContentEncodingZstd = "zstd"

// MaxDecodedSize caps the decompressed size of one body. A queue message is
// at most 1 MiB on the wire, and highly compressible input could otherwise
// expand far beyond any envelope the API accepts.
const MaxDecodedSize = 8 << 20

// Message attribute and header names.
const (
	AttrJobType         = "JobType"
	AttrPriority        = "Priority"
	AttrSource          = "Source"
	AttrJobID           = "JobId"
	AttrContentEncoding = "ContentEncoding"
	AttrBatchIndex      = "BatchIndex"

	JobTypeEmailProcessing = "email_processing"
	DefaultSource          = "api"
)

// Codec serializes envelopes to message bodies. Bodies larger than the
// threshold are zstd compressed and base64 encoded so they stay valid
// UTF-8 for SQS. A threshold of 0 disables compression.
type Codec struct {
	threshold int
	encoder   *zstd.Encoder
	decoders  sync.Pool
}

// NewCodec creates a Codec.
func NewCodec(threshold int) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	return &Codec{
		threshold: threshold,
		encoder:   enc,
		decoders: sync.Pool{
			New: func() any {
				d, err := zstd.NewReader(nil,
					zstd.WithDecoderConcurrency(1),
					zstd.WithDecoderMaxMemory(MaxDecodedSize),
				)
				if err != nil {
					panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
				}
				return d
			},
		},
	}, nil
}

// Encode returns the message body and its content encoding, which is empty
// for plain JSON.
func (c *Codec) Encode(env types.Envelope) (string, string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", "", types.NewAppError(types.ErrCodeInternalCodec, "failed to marshal envelope", err)
	}
	if c.threshold <= 0 || len(raw) <= c.threshold {
		return string(raw), "", nil
	}

	compressed := c.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/4))
	return base64.StdEncoding.EncodeToString(compressed), ContentEncodingZstd, nil
}

// Decode parses a body produced by Encode.
func (c *Codec) Decode(body, encoding string) (types.Envelope, error) {
	var env types.Envelope

	raw := []byte(body)
	switch encoding {
	case "":
	case ContentEncodingZstd:
		compressed, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return env, types.NewAppError(types.ErrCodeInternalCodec, "compressed body is not valid base64", err)
		}
		dec := c.decoders.Get().(*zstd.Decoder)
		defer c.decoders.Put(dec)
		raw, err = dec.DecodeAll(compressed, nil)
		if err != nil {
			return env, types.NewAppError(types.ErrCodeInternalCodec, "zstd decompression failed", err)
		}
	default:
		return env, types.NewAppError(types.ErrCodeInternalCodec, fmt.Sprintf("unsupported content encoding %q", encoding), nil)
	}

	if err := json.Unmarshal(raw, &env); err != nil {
		return env, types.NewAppError(types.ErrCodeInternalCodec, "failed to unmarshal envelope", err)
	}
	return env, nil
}
