package compress

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	policycache "github.com/wolfeidau/policy-cache"
	"github.com/wolfeidau/policy-cache/api"
	"github.com/wolfeidau/policy-cache/attribute"
)

func sampleBag() attribute.Bag {
	return attribute.NewBuilder().
		String(attribute.SourceIP, "10.0.0.1").
		String(attribute.RequestPath, "/api/v1").
		String("custom.name", "custom.value").
		Int64(attribute.ResponseCode, 200).
		Double("ratio", 0.25).
		Bool("flag", true).
		Bytes("blob", []byte{1, 2}).
		Timestamp(attribute.RequestTime, time.Unix(1700000000, 500).UTC()).
		Duration(attribute.ResponseDuration, 150*time.Millisecond).
		StringMap(attribute.RequestHeaders, map[string]string{"host": "example.com", "x-trace": "abc"}).
		Build()
}

func TestCompressRoundTrip(t *testing.T) {
	c := New(nil)
	bag := sampleBag()

	ca := c.Compress(bag)
	require.Contains(t, ca.Words, "custom.name")
	require.NotContains(t, ca.Words, attribute.SourceIP)

	got, err := Decompress(ca, c.GlobalWordCount(), ca.Words)
	require.NoError(t, err)
	require.True(t, bag.Equal(got), "got %s", got)
}

func TestCompressUsesGlobalIndices(t *testing.T) {
	c := New(nil)
	ca := c.Compress(attribute.NewBuilder().String(attribute.SourceIP, "10.0.0.1").Build())

	require.Equal(t, []string{"10.0.0.1"}, ca.Words)
	require.Equal(t, map[int32]int32{0: -1}, ca.Strings)
}

func TestShrinkGlobalDictionary(t *testing.T) {
	words := []string{"a", "b", "c", "d"}
	c := NewWithWords(words, 2, nil)
	require.Equal(t, int32(4), c.GlobalWordCount())

	bag := attribute.NewBuilder().String("a", "d").Build()
	ca := c.Compress(bag)
	require.Empty(t, ca.Words)

	require.True(t, c.ShrinkGlobalDictionary())
	require.False(t, c.ShrinkGlobalDictionary())
	require.Equal(t, int32(2), c.GlobalWordCount())

	ca = c.Compress(bag)
	require.Equal(t, []string{"d"}, ca.Words)
	require.Equal(t, map[int32]int32{0: -1}, ca.Strings)
}

func TestShrinkConcurrent(t *testing.T) {
	c := New(nil)
	var wg sync.WaitGroup
	var mu sync.Mutex
	changed := 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.ShrinkGlobalDictionary() {
				mu.Lock()
				changed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, changed)
	require.Equal(t, int32(attribute.GlobalWordBaseSize), c.GlobalWordCount())
}

func TestBatchCompressorSharesWords(t *testing.T) {
	c := New(nil)
	b := c.NewBatchCompressor()

	bag1 := attribute.NewBuilder().String("custom.name", "one").Build()
	bag2 := attribute.NewBuilder().String("custom.name", "two").Build()
	b.Add(bag1)
	b.Add(bag2)
	require.Equal(t, 2, b.Len())

	req := b.Finish()
	require.Equal(t, []string{"custom.name", "one", "two"}, req.DefaultWords)
	require.Equal(t, c.GlobalWordCount(), req.GlobalWordCount)
	for _, ca := range req.Attributes {
		require.Empty(t, ca.Words)
	}

	bags, err := DecompressReport(req)
	require.NoError(t, err)
	require.Len(t, bags, 2)
	require.True(t, bag1.Equal(bags[0]))
	require.True(t, bag2.Equal(bags[1]))

	b.Clear()
	require.Equal(t, 0, b.Len())
	require.Empty(t, b.Finish().DefaultWords)
}

func TestBatchClearPicksUpShrink(t *testing.T) {
	c := New(nil)
	b := c.NewBatchCompressor()
	b.Add(attribute.NewBuilder().String(attribute.ContextReporterKind, "inbound").Build())
	require.Equal(t, int32(len(attribute.GlobalWords())), b.Finish().GlobalWordCount)

	c.ShrinkGlobalDictionary()
	b.Clear()
	b.Add(attribute.NewBuilder().String(attribute.ContextReporterKind, "inbound").Build())
	req := b.Finish()
	require.Equal(t, int32(attribute.GlobalWordBaseSize), req.GlobalWordCount)

	bags, err := DecompressReport(req)
	require.NoError(t, err)
	v, ok := bags[0].Get(attribute.ContextReporterKind)
	require.True(t, ok)
	require.Equal(t, "inbound", v.AsString())
}

func TestBatchShrinkAfterClearAppliesToNextBatch(t *testing.T) {
	c := New(nil)
	b := c.NewBatchCompressor()
	bag := attribute.NewBuilder().String(attribute.ContextReporterKind, "inbound").Build()

	b.Add(bag)
	require.Equal(t, int32(len(attribute.GlobalWords())), b.Finish().GlobalWordCount)
	b.Clear()

	// the rejected batch is cleared before its transport result shrinks the dictionary
	require.True(t, c.ShrinkGlobalDictionary())

	b.Add(bag)
	req := b.Finish()
	require.Equal(t, int32(attribute.GlobalWordBaseSize), req.GlobalWordCount)
	require.Equal(t, []string{attribute.ContextReporterKind, "inbound"}, req.DefaultWords)

	bags, err := DecompressReport(req)
	require.NoError(t, err)
	require.True(t, bag.Equal(bags[0]))
}

func TestBatchKeepsDictionarySizeUntilClear(t *testing.T) {
	c := New(nil)
	b := c.NewBatchCompressor()
	bag := attribute.NewBuilder().String(attribute.ContextReporterKind, "inbound").Build()

	b.Add(bag)
	require.True(t, c.ShrinkGlobalDictionary())
	b.Add(bag)

	req := b.Finish()
	require.Equal(t, int32(len(attribute.GlobalWords())), req.GlobalWordCount)
	require.Empty(t, req.DefaultWords)

	bags, err := DecompressReport(req)
	require.NoError(t, err)
	require.Len(t, bags, 2)
	require.True(t, bag.Equal(bags[1]))
}

func TestDecompressRejectsUnknownIndex(t *testing.T) {
	_, err := Decompress(api.CompressedAttributes{Strings: map[int32]int32{0: -5}}, 10, nil)
	require.ErrorIs(t, err, ErrWordIndex)

	_, err = Decompress(api.CompressedAttributes{Strings: map[int32]int32{20: 0}}, 10, nil)
	require.ErrorIs(t, err, ErrWordIndex)

	_, err = Decompress(api.CompressedAttributes{}, 100000, nil)
	require.ErrorIs(t, err, ErrWordIndex)
}

func TestPayloadCodecRoundTrip(t *testing.T) {
	codec, err := NewPayloadCodec()
	require.NoError(t, err)
	defer codec.Close()

	c := New(nil)
	small := c.NewBatchCompressor()
	small.Add(sampleBag())

	large := c.NewBatchCompressor()
	for i := range 200 {
		large.Add(sampleBag().With("custom.index", attribute.Int64(int64(i))))
	}

	tests := []struct {
		name    string
		req     *api.ReportRequest
		wantEnc Encoding
	}{
		{name: "small report stays uncompressed", req: small.Finish(), wantEnc: Identity},
		{name: "large report gets compressed", req: large.Finish(), wantEnc: Zstd},
		{name: "empty report", req: &api.ReportRequest{}, wantEnc: Identity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := codec.Encode(tt.req)
			require.NoError(t, err)
			require.Equal(t, tt.wantEnc, p.Encoding)
			require.False(t, p.Digest.IsZero())

			got, err := codec.Decode(p.Data, p.Encoding, p.Digest)
			require.NoError(t, err)
			require.Equal(t, len(tt.req.Attributes), len(got.Attributes))
			require.Equal(t, api.MarshalReportRequest(tt.req), api.MarshalReportRequest(got))
		})
	}
}

func TestPayloadCodecDigestVerification(t *testing.T) {
	codec, err := NewPayloadCodec()
	require.NoError(t, err)
	defer codec.Close()

	p, err := codec.EncodeBytes([]byte("test data"))
	require.NoError(t, err)

	_, err = codec.DecodeBytes(p.Data, p.Encoding, policycache.SignatureOf([]byte("other")))
	require.ErrorIs(t, err, ErrCorrupted)

	// zero digest skips verification
	raw, err := codec.DecodeBytes(p.Data, p.Encoding, policycache.Signature{})
	require.NoError(t, err)
	require.Equal(t, []byte("test data"), raw)
}

func TestPayloadCodecTooLarge(t *testing.T) {
	codec, err := NewPayloadCodec()
	require.NoError(t, err)
	defer codec.Close()

	_, err = codec.EncodeBytes(make([]byte, MaxPayloadSize+1))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestPayloadCodecIncompressible(t *testing.T) {
	codec, err := NewPayloadCodec()
	require.NoError(t, err)
	defer codec.Close()

	randomish := make([]byte, 3000)
	for i := range randomish {
		randomish[i] = byte(i * 7 % 256)
	}
	p, err := codec.EncodeBytes(randomish)
	require.NoError(t, err)

	raw, err := codec.DecodeBytes(p.Data, p.Encoding, p.Digest)
	require.NoError(t, err)
	require.Equal(t, randomish, raw)
}

func TestParseEncoding(t *testing.T) {
	for _, e := range []Encoding{Identity, Zstd} {
		got, err := ParseEncoding(e.String())
		require.NoError(t, err)
		require.Equal(t, e, got)
	}
	got, err := ParseEncoding("")
	require.NoError(t, err)
	require.Equal(t, Identity, got)

	_, err = ParseEncoding("gzip")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "gzip"))
}
