// Package safetensors reads and writes .safetensors weight files.
//
// A Store parses only the JSON header when it is opened. Tensor payloads are
// read with ReadAt when asked for, so an open store costs the size of its
// header rather than the size of the weights.
package safetensors

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

const defaultMaxHeaderBytes = 100 << 20

// Tensor holds a single decoded tensor.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

// Info describes a stored tensor without decoding its payload.
type Info struct {
	Name  string
	DType string
	Shape []int64
}

type StoreOptions struct {
	// MaxHeaderBytes bounds the JSON header. Zero means 100 MiB.
	MaxHeaderBytes int64
}

type Store struct {
	r      io.ReaderAt
	closer io.Closer
	index  map[string]entry
	names  []string
}

type entry struct {
	dtype  string
	codec  codec
	shape  []int64
	offset int64
	count  int64
}

type headerEntry struct {
	DType   string   `json:"dtype"`
	Shape   []int64  `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// OpenStore opens a safetensors file and parses its header. The file stays
// open until Close.
func OpenStore(path string, opts StoreOptions) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("safetensors: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("safetensors: %w", err)
	}

	s, err := newStore(f, fi.Size(), opts)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w (file %s)", err, path)
	}

	s.closer = f

	return s, nil
}

// OpenStoreFromBytes parses an in-memory safetensors payload.
func OpenStoreFromBytes(data []byte, opts StoreOptions) (*Store, error) {
	return newStore(bytes.NewReader(data), int64(len(data)), opts)
}

func newStore(r io.ReaderAt, size int64, opts StoreOptions) (*Store, error) {
	limit := opts.MaxHeaderBytes
	if limit <= 0 {
		limit = defaultMaxHeaderBytes
	}

	header, dataStart, err := readHeader(r, size, limit)
	if err != nil {
		return nil, err
	}

	s := &Store{r: r, index: make(map[string]entry, len(header))}

	for name, h := range header {
		e, err := indexEntry(name, h, dataStart, size)
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}

		s.index[name] = e
		s.names = append(s.names, name)
	}

	if len(s.names) == 0 {
		return nil, errors.New("safetensors: no tensors found")
	}

	sort.Strings(s.names)

	return s, nil
}

func readHeader(r io.ReaderAt, size, limit int64) (map[string]headerEntry, int64, error) {
	var prefix [8]byte
	if size < int64(len(prefix)) {
		return nil, 0, fmt.Errorf("safetensors: file too short (%d bytes)", size)
	}

	if _, err := r.ReadAt(prefix[:], 0); err != nil {
		return nil, 0, fmt.Errorf("safetensors: read header length: %w", err)
	}

	n := le.Uint64(prefix[:])
	if n > uint64(limit) || int64(n) > size-8 {
		return nil, 0, fmt.Errorf("safetensors: header length %d is invalid for a %d byte file", n, size)
	}

	raw := make([]byte, n)
	if _, err := r.ReadAt(raw, 8); err != nil && !errors.Is(err, io.EOF) {
		return nil, 0, fmt.Errorf("safetensors: read header: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, 0, fmt.Errorf("safetensors: parse header: %w", err)
	}

	delete(fields, "__metadata__")

	header := make(map[string]headerEntry, len(fields))

	for name, msg := range fields {
		var h headerEntry
		if err := json.Unmarshal(msg, &h); err != nil {
			return nil, 0, fmt.Errorf("safetensors: header entry %q: %w", name, err)
		}

		header[name] = h
	}

	return header, 8 + int64(n), nil
}

func indexEntry(name string, h headerEntry, dataStart, size int64) (entry, error) {
	if strings.TrimSpace(name) == "" {
		return entry{}, errors.New("empty tensor name")
	}

	dtype, c, err := lookupCodec(h.DType)
	if err != nil {
		return entry{}, err
	}

	count, err := elementCount(h.Shape)
	if err != nil {
		return entry{}, err
	}

	begin, end := h.Offsets[0], h.Offsets[1]
	if begin < 0 || end < begin {
		return entry{}, fmt.Errorf("invalid data offsets %v", h.Offsets)
	}

	if dataStart+end > size {
		return entry{}, fmt.Errorf("data [%d:%d] runs past the end of the file", begin, end)
	}

	if need := count * int64(c.size); end-begin < need {
		return entry{}, fmt.Errorf("shape %v needs %d bytes of %s, data has %d", h.Shape, need, dtype, end-begin)
	}

	return entry{
		dtype:  dtype,
		codec:  c,
		shape:  append([]int64(nil), h.Shape...),
		offset: dataStart + begin,
		count:  count,
	}, nil
}

// Names returns the tensor names in sorted order.
func (s *Store) Names() []string {
	return append([]string(nil), s.names...)
}

func (s *Store) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Info returns dtype and shape of a tensor without reading its payload.
func (s *Store) Info(name string) (Info, error) {
	e, err := s.lookup(name)
	if err != nil {
		return Info{}, err
	}

	return Info{Name: name, DType: e.dtype, Shape: append([]int64(nil), e.shape...)}, nil
}

// Tensor reads and decodes a single tensor to float32.
func (s *Store) Tensor(name string) (*Tensor, error) {
	e, err := s.lookup(name)
	if err != nil {
		return nil, err
	}

	if s.r == nil {
		return nil, fmt.Errorf("safetensors: tensor %q read after Close", name)
	}

	raw := make([]byte, e.count*int64(e.codec.size))
	if _, err := s.r.ReadAt(raw, e.offset); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
	}

	return &Tensor{
		Name:  name,
		Shape: append([]int64(nil), e.shape...),
		Data:  e.codec.decodeAll(raw, int(e.count)),
	}, nil
}

func (s *Store) lookup(name string) (entry, error) {
	e, ok := s.index[name]
	if !ok {
		return entry{}, fmt.Errorf("safetensors: tensor %q not found (have %s)", name, listNames(s.names, 8))
	}

	return e, nil
}

// Close releases the underlying file. Safe to call multiple times.
func (s *Store) Close() error {
	s.r = nil

	if s.closer == nil {
		return nil
	}

	err := s.closer.Close()
	s.closer = nil

	return err
}

func listNames(names []string, limit int) string {
	switch {
	case len(names) == 0:
		return "none"
	case len(names) > limit:
		return strings.Join(names[:limit], ", ") + fmt.Sprintf(" and %d more", len(names)-limit)
	default:
		return strings.Join(names, ", ")
	}
}
