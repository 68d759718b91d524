package proto

import (
	"bytes"
	"testing"

	"ocppmesh/internal/testutil"
)

func FuzzDecodeFrame(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, '['})
	f.Add([]byte{0, 0, 0, 5, '[', '2', ',', '"', ']'})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			_, _ = ReadFrame(bytes.NewReader(data))
		})
	})
}

func FuzzDecodeText(f *testing.F) {
	f.Add([]byte(`[2,"1","Heartbeat",{}]`))
	f.Add([]byte(`[3,"1",{},{"destination":"A","networkPath":["B"]}]`))
	f.Add([]byte(`[4,"1","NotImplemented","",{}]`))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			env, err := Text.Decode(data)
			if err != nil {
				return
			}
			if _, err := Text.Encode(env); err != nil {
				t.Fatalf("decoded envelope does not re-encode: %v", err)
			}
		})
	})
}

func FuzzDecodeBinary(f *testing.F) {
	seed, _ := Binary.Encode(NewRequest("1", "Heartbeat", []byte(`{}`)))
	f.Add(seed)
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			_, _ = Binary.Decode(data)
		})
	})
}
