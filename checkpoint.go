package schedlat

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"
	"time"

	"github.com/evergreen-ci/birch"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Checkpoint files hold the periodic snapshot history of a long
// continuous session in a compact chunked form: a chunk carries one
// reference snapshot document plus a gzip-compressed stream of varint
// deltas for every following snapshot. An optional leading metadata
// chunk records the kernel context.

const (
	chunkTypeMetadata = 0
	chunkTypeMetrics  = 1
)

// metricKeys is the fixed field order of the numeric snapshot vector.
// The reference document in each chunk carries the same keys, so
// readers never depend on this table staying stable across versions.
var metricKeys = []string{
	"ts_ms", "current_us", "min_us", "max_us", "avg_us",
	"p99_us", "p999_us", "rolling_p99_us", "rolling_p999_us",
	"jitter_us", "max_jitter_us", "sample_count", "dropped_samples",
	"spikes", "smi_events", "smi_correlated", "thermal_milli_c",
	"cpu_freq_khz",
}

func metricVector(pm *PerformanceMetrics) []int64 {
	return []int64{
		pm.Timestamp.UnixMilli(), pm.CurrentUS, pm.MinUS, pm.MaxUS, pm.AvgUS,
		pm.P99US, pm.P999US, pm.RollingP99US, pm.RollingP999US,
		pm.JitterUS, pm.MaxJitterUS, pm.SampleCount, pm.DroppedSamples,
		pm.Spikes, pm.SMIEvents, pm.SMICorrelated, pm.ThermalMilliC,
		pm.CPUFreqKHz,
	}
}

func metricDocument(pm *PerformanceMetrics) *birch.Document {
	vec := metricVector(pm)
	elems := make([]*birch.Element, 0, len(vec))
	for i, key := range metricKeys {
		elems = append(elems, birch.EC.Int64(key, vec[i]))
	}
	return birch.NewDocument(elems...)
}

// CheckpointWriter accumulates snapshots and renders them as chunks.
// All snapshots in one chunk must have the same shape; the fixed
// snapshot schema guarantees that within a process, and a mismatch is
// reported as an error rather than silently re-referenced.
type CheckpointWriter struct {
	out        io.Writer
	maxSamples int
	startAt    time.Time
	metadata   *birch.Document
	refDoc     *birch.Document
	last       []int64
	payload    []byte
	count      int
}

// NewCheckpointWriter writes chunks of at most maxSamples snapshots
// to out.
func NewCheckpointWriter(maxSamples int, out io.Writer) *CheckpointWriter {
	return &CheckpointWriter{out: out, maxSamples: maxSamples}
}

// SetContext queues a metadata chunk holding the kernel context. It
// is written ahead of the first metric chunk.
func (w *CheckpointWriter) SetContext(kctx KernelContext) error {
	raw, err := bson.Marshal(kctx)
	if err != nil {
		return errors.Wrap(err, "problem converting kernel context to bson")
	}
	doc, err := birch.ReadDocument(raw)
	if err != nil {
		return errors.Wrap(err, "problem reading kernel context document")
	}
	w.metadata = doc
	return nil
}

// AddMetrics appends one snapshot, flushing automatically when the
// chunk reaches its sample budget.
func (w *CheckpointWriter) AddMetrics(pm *PerformanceMetrics) error {
	if w.count >= w.maxSamples {
		if err := w.Flush(); err != nil {
			return errors.WithStack(err)
		}
	}

	vec := metricVector(pm)
	if w.refDoc == nil {
		w.refDoc = metricDocument(pm)
		w.last = vec
		w.startAt = time.Now()
		w.count = 1
		return nil
	}

	if len(vec) != len(w.last) {
		return errors.Errorf("snapshot has %d metrics, reference has %d",
			len(vec), len(w.last))
	}

	tmp := make([]byte, binary.MaxVarintLen64)
	for i, v := range vec {
		n := binary.PutVarint(tmp, v-w.last[i])
		w.payload = append(w.payload, tmp[:n]...)
	}
	w.last = vec
	w.count++
	return nil
}

// Flush renders the pending metadata and metric chunks and resets the
// writer for the next chunk. Flushing an empty writer is a no-op.
func (w *CheckpointWriter) Flush() error {
	if w.metadata != nil {
		doc := birch.NewDocument(
			birch.EC.DateTime("_id", time.Now().UnixMilli()),
			birch.EC.Int32("type", chunkTypeMetadata),
			birch.EC.SubDocument("doc", w.metadata))
		if _, err := doc.WriteTo(w.out); err != nil {
			return errors.Wrap(err, "problem writing metadata chunk")
		}
		w.metadata = nil
	}

	if w.refDoc == nil {
		return nil
	}

	compressed := bytes.NewBuffer([]byte{})
	zwriter := gzip.NewWriter(compressed)
	if _, err := zwriter.Write(w.payload); err != nil {
		return errors.Wrap(err, "problem compressing checkpoint payload")
	}
	if err := zwriter.Close(); err != nil {
		return errors.Wrap(err, "problem flushing gzip writer")
	}

	doc := birch.NewDocument(
		birch.EC.DateTime("_id", w.startAt.UnixMilli()),
		birch.EC.Int32("type", chunkTypeMetrics),
		birch.EC.Int32("samples", int32(w.count)),
		birch.EC.SubDocument("ref", w.refDoc),
		birch.EC.Binary("data", compressed.Bytes()))
	if _, err := doc.WriteTo(w.out); err != nil {
		return errors.Wrap(err, "problem writing metric chunk")
	}

	w.refDoc = nil
	w.last = nil
	w.payload = w.payload[:0]
	w.count = 0
	return nil
}

// CheckpointChunk is one decoded chunk of a checkpoint file.
type CheckpointChunk struct {
	Type    int
	Context *KernelContext
	Keys    []string
	Rows    [][]int64
}

// ReadCheckpoint decodes every chunk in a checkpoint stream.
func ReadCheckpoint(r io.Reader) ([]CheckpointChunk, error) {
	var chunks []CheckpointChunk
	for {
		doc, err := readDocument(r)
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "problem reading chunk document")
		}

		chunk, err := decodeChunk(doc)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		chunks = append(chunks, chunk)
	}
}

// readDocument reads one length-prefixed BSON document from the
// stream.
func readDocument(r io.Reader) (*birch.Document, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}

	size := binary.LittleEndian.Uint32(sizeBuf[:])
	if size < 5 {
		return nil, errors.Errorf("invalid document size %d", size)
	}

	raw := make([]byte, size)
	copy(raw, sizeBuf[:])
	if _, err := io.ReadFull(r, raw[4:]); err != nil {
		return nil, errors.Wrap(err, "problem reading document body")
	}

	return birch.ReadDocument(raw)
}

func decodeChunk(doc *birch.Document) (CheckpointChunk, error) {
	chunk := CheckpointChunk{Type: -1}

	var (
		samples int
		refDoc  *birch.Document
		payload []byte
	)

	iter := doc.Iterator()
	for iter.Next() {
		elem := iter.Element()
		switch elem.Key() {
		case "type":
			chunk.Type = int(elem.Value().Int32())
		case "samples":
			samples = int(elem.Value().Int32())
		case "ref":
			refDoc = elem.Value().MutableDocument()
		case "doc":
			kctx, err := decodeContext(elem.Value().MutableDocument())
			if err != nil {
				return chunk, errors.WithStack(err)
			}
			chunk.Context = kctx
		case "data":
			_, payload = elem.Value().Binary()
		}
	}
	if err := iter.Err(); err != nil {
		return chunk, errors.Wrap(err, "problem iterating chunk document")
	}

	switch chunk.Type {
	case chunkTypeMetadata:
		return chunk, nil
	case chunkTypeMetrics:
		return decodeMetricChunk(chunk, refDoc, payload, samples)
	default:
		return chunk, errors.Errorf("unknown chunk type %d", chunk.Type)
	}
}

func decodeContext(doc *birch.Document) (*KernelContext, error) {
	raw, err := doc.MarshalBSON()
	if err != nil {
		return nil, errors.Wrap(err, "problem rendering context document")
	}
	kctx := &KernelContext{}
	if err := bson.Unmarshal(raw, kctx); err != nil {
		return nil, errors.Wrap(err, "problem parsing kernel context")
	}
	return kctx, nil
}

func decodeMetricChunk(chunk CheckpointChunk, refDoc *birch.Document, payload []byte, samples int) (CheckpointChunk, error) {
	if refDoc == nil {
		return chunk, errors.New("metric chunk has no reference document")
	}

	var base []int64
	iter := refDoc.Iterator()
	for iter.Next() {
		elem := iter.Element()
		chunk.Keys = append(chunk.Keys, elem.Key())
		base = append(base, elem.Value().Int64())
	}
	if err := iter.Err(); err != nil {
		return chunk, errors.Wrap(err, "problem iterating reference document")
	}

	chunk.Rows = append(chunk.Rows, base)
	if samples <= 1 {
		return chunk, nil
	}

	zreader, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return chunk, errors.Wrap(err, "problem opening compressed payload")
	}
	defer zreader.Close()
	raw, err := io.ReadAll(zreader)
	if err != nil {
		return chunk, errors.Wrap(err, "problem decompressing payload")
	}

	prev := base
	offset := 0
	for s := 1; s < samples; s++ {
		row := make([]int64, len(base))
		for i := range row {
			delta, n := binary.Varint(raw[offset:])
			if n <= 0 {
				return chunk, errors.Errorf("truncated delta payload at sample %d", s)
			}
			offset += n
			row[i] = prev[i] + delta
		}
		chunk.Rows = append(chunk.Rows, row)
		prev = row
	}

	return chunk, nil
}
