package safetensors

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// rawFile builds a payload from a literal header so tests can describe
// files the writer would never produce.
func rawFile(header string, data []byte) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(len(header)))
	out = append(out, header...)

	return append(out, data...)
}

func TestRoundTripF32(t *testing.T) {
	in := []Tensor{
		{Name: "b", Shape: []int64{3}, Data: []float32{-1, 0, 2.5}},
		{Name: "a", Shape: []int64{2, 2}, Data: []float32{1, 2, 3, 4}},
	}

	blob, err := EncodeTensors(in)
	if err != nil {
		t.Fatalf("EncodeTensors: %v", err)
	}

	s, err := OpenStoreFromBytes(blob, StoreOptions{})
	if err != nil {
		t.Fatalf("OpenStoreFromBytes: %v", err)
	}
	defer s.Close()

	if diff := cmp.Diff([]string{"a", "b"}, s.Names()); diff != "" {
		t.Fatalf("Names mismatch (-want +got):\n%s", diff)
	}

	for _, want := range in {
		got, err := s.Tensor(want.Name)
		if err != nil {
			t.Fatalf("Tensor(%q): %v", want.Name, err)
		}

		if diff := cmp.Diff(&want, got); diff != "" {
			t.Errorf("Tensor(%q) mismatch (-want +got):\n%s", want.Name, diff)
		}
	}

	info, err := s.Info("a")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}

	if diff := cmp.Diff(Info{Name: "a", DType: DTypeF32, Shape: []int64{2, 2}}, info); diff != "" {
		t.Errorf("Info mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripF16(t *testing.T) {
	in := []Tensor{{Name: "w", Shape: []int64{5}, Data: []float32{0.5, -2, 65504, float32(math.Inf(1)), 0}}}

	blob, err := EncodeTensorsAs(in, "f16")
	if err != nil {
		t.Fatalf("EncodeTensorsAs: %v", err)
	}

	s, err := OpenStoreFromBytes(blob, StoreOptions{})
	if err != nil {
		t.Fatalf("OpenStoreFromBytes: %v", err)
	}

	info, _ := s.Info("w")
	if info.DType != DTypeF16 {
		t.Fatalf("dtype = %q, want %q", info.DType, DTypeF16)
	}

	got, err := s.Tensor("w")
	if err != nil {
		t.Fatalf("Tensor: %v", err)
	}

	if diff := cmp.Diff(in[0].Data, got.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestReadBF16(t *testing.T) {
	// 1.0 = 0x3f80, -2.0 = 0xc000
	data := []byte{0x80, 0x3f, 0x00, 0xc0}
	blob := rawFile(`{"x":{"dtype":"BF16","shape":[2],"data_offsets":[0,4]},"__metadata__":{"format":"pt"}}`, data)

	s, err := OpenStoreFromBytes(blob, StoreOptions{})
	if err != nil {
		t.Fatalf("OpenStoreFromBytes: %v", err)
	}

	got, err := s.Tensor("x")
	if err != nil {
		t.Fatalf("Tensor: %v", err)
	}

	if diff := cmp.Diff([]float32{1, -2}, got.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}

	if _, err := EncodeTensorsAs([]Tensor{*got}, DTypeBF16); err == nil {
		t.Error("expected BF16 encode to fail")
	}
}

func TestOpenStoreErrors(t *testing.T) {
	tests := []struct {
		name string
		blob []byte
		opts StoreOptions
		want string
	}{
		{"short", []byte{1, 2, 3}, StoreOptions{}, "too short"},
		{"header past end", rawFile(`{}`, nil)[:9], StoreOptions{}, "header length"},
		{"header limit", rawFile(`{"x":{"dtype":"F32","shape":[1],"data_offsets":[0,4]}}`, make([]byte, 4)), StoreOptions{MaxHeaderBytes: 8}, "header length"},
		{"bad json", rawFile(`{not json`, nil), StoreOptions{}, "parse header"},
		{"empty", rawFile(`{"__metadata__":{}}`, nil), StoreOptions{}, "no tensors"},
		{"dtype", rawFile(`{"x":{"dtype":"I8","shape":[1],"data_offsets":[0,1]}}`, make([]byte, 1)), StoreOptions{}, "unsupported dtype"},
		{"negative dim", rawFile(`{"x":{"dtype":"F32","shape":[-1],"data_offsets":[0,4]}}`, make([]byte, 4)), StoreOptions{}, "negative dimension"},
		{"offsets", rawFile(`{"x":{"dtype":"F32","shape":[1],"data_offsets":[4,0]}}`, make([]byte, 4)), StoreOptions{}, "invalid data offsets"},
		{"past end", rawFile(`{"x":{"dtype":"F32","shape":[2],"data_offsets":[0,8]}}`, make([]byte, 4)), StoreOptions{}, "past the end"},
		{"too small", rawFile(`{"x":{"dtype":"F32","shape":[2],"data_offsets":[0,4]}}`, make([]byte, 4)), StoreOptions{}, "needs 8 bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := OpenStoreFromBytes(tt.blob, tt.opts)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestMissingTensor(t *testing.T) {
	blob, err := EncodeTensors([]Tensor{{Name: "present", Shape: []int64{1}, Data: []float32{1}}})
	if err != nil {
		t.Fatalf("EncodeTensors: %v", err)
	}

	s, err := OpenStoreFromBytes(blob, StoreOptions{})
	if err != nil {
		t.Fatalf("OpenStoreFromBytes: %v", err)
	}

	if s.Has("absent") {
		t.Fatal("Has(absent) = true")
	}

	_, err = s.Tensor("absent")
	if err == nil || !strings.Contains(err.Error(), `"absent"`) || !strings.Contains(err.Error(), "present") {
		t.Fatalf("err = %v, want the missing and available names", err)
	}
}

func TestEncodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		tensors []Tensor
		dtype   string
		want    string
	}{
		{"none", nil, DTypeF32, "no tensors"},
		{"empty name", []Tensor{{Name: " ", Shape: []int64{1}, Data: []float32{1}}}, DTypeF32, "must not be empty"},
		{"duplicate", []Tensor{{Name: "a", Shape: []int64{1}, Data: []float32{1}}, {Name: "a", Shape: []int64{1}, Data: []float32{2}}}, DTypeF32, "duplicate"},
		{"count", []Tensor{{Name: "a", Shape: []int64{2}, Data: []float32{1}}}, DTypeF32, "expects 2 elements"},
		{"dtype", []Tensor{{Name: "a", Shape: []int64{1}, Data: []float32{1}}}, "F64", "unsupported dtype"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeTensorsAs(tt.tensors, tt.dtype)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestWriteFileAndOpenStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.safetensors")
	in := []Tensor{{Name: "fc.weight", Shape: []int64{2, 1}, Data: []float32{3, 4}}}

	if err := WriteFile(path, in); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	want, _ := EncodeTensors(in)

	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(want, onDisk) {
		t.Error("file contents differ from EncodeTensors")
	}

	s, err := OpenStore(path, StoreOptions{})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}

	got, err := s.Tensor("fc.weight")
	if err != nil {
		t.Fatalf("Tensor: %v", err)
	}

	if diff := cmp.Diff(in[0].Data, got.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := s.Tensor("fc.weight"); err == nil {
		t.Error("expected read after Close to fail")
	}
}

func TestOpenStoreMissingFile(t *testing.T) {
	_, err := OpenStore(filepath.Join(t.TempDir(), "nope.safetensors"), StoreOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
}
