// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transcribing

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/antflydb/localwhisper/lib/backends"
)

// encoderCache memoizes encoder outputs keyed by a hash of the window
// features. Temperature retries within a window already share one
// encode; the cache additionally covers re-transcription of identical
// windows (overlapping jobs, repeated requests) with a short TTL so
// memory stays bounded.
type encoderCache struct {
	model    backends.Model
	memCache *ttlcache.Cache[uint64, *backends.EncoderOutput]
	sfGroup  *singleflight.Group
}

func newEncoderCache(model backends.Model, ttl time.Duration) *encoderCache {
	cache := ttlcache.New(
		ttlcache.WithTTL[uint64, *backends.EncoderOutput](ttl),
		ttlcache.WithCapacity[uint64, *backends.EncoderOutput](16),
	)
	go cache.Start()
	return &encoderCache{
		model:    model,
		memCache: cache,
		sfGroup:  &singleflight.Group{},
	}
}

// Encode returns the encoder output for a window, deduplicating
// concurrent encodes of the same features.
func (c *encoderCache) Encode(ctx context.Context, window *backends.AudioWindow) (*backends.EncoderOutput, error) {
	key := windowKey(window)
	if item := c.memCache.Get(key); item != nil {
		return item.Value(), nil
	}
	v, err, _ := c.sfGroup.Do(fmt.Sprintf("%x", key), func() (any, error) {
		if item := c.memCache.Get(key); item != nil {
			return item.Value(), nil
		}
		enc, err := c.model.Encode(ctx, window)
		if err != nil {
			return nil, err
		}
		c.memCache.Set(key, enc, ttlcache.DefaultTTL)
		return enc, nil
	})
	if err != nil {
		return nil, fmt.Errorf("encoding window at offset %d: %w", window.Offset, err)
	}
	return v.(*backends.EncoderOutput), nil
}

func (c *encoderCache) Stop() {
	c.memCache.Stop()
}

func windowKey(window *backends.AudioWindow) uint64 {
	h := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(window.Offset))
	_, _ = h.Write(buf[:])
	for _, f := range window.Features {
		binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(f))
		_, _ = h.Write(buf[:4])
	}
	return h.Sum64()
}
