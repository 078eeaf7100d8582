package safetensors

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	err := WriteFile(path, []Tensor{
		{Name: "a", Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}},
		{Name: "b", Shape: []int{3}, Data: []float32{-1, 0, 1}},
	}, map[string]string{"format": "pt"})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if names := f.Names(); len(names) != 2 || names[0] != "a" {
		t.Fatalf("names: %v", names)
	}
	if f.Metadata["format"] != "pt" {
		t.Fatalf("metadata: %v", f.Metadata)
	}
	b, ti, err := f.ReadF32("b")
	if err != nil {
		t.Fatalf("read b: %v", err)
	}
	if ti.Elements() != 3 || b[0] != -1 || b[2] != 1 {
		t.Fatalf("b: %v", b)
	}
	a, _, err := f.ReadF32("a")
	if err != nil || a[3] != 4 {
		t.Fatalf("a: %v %v", a, err)
	}
	if _, _, err := f.ReadF32("nope"); err == nil {
		t.Fatalf("expected missing tensor error")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.safetensors")
	if err := os.WriteFile(path, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	js := `{"hidden_size":8,"intermediate_size":16,"num_hidden_layers":1,"num_attention_heads":2,"vocab_size":10}`
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte(js), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfig(filepath.Join(dir, "model.safetensors"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.NumKeyValueHeads != 2 || c.RopeTheta != 10000 || c.RMSNormEps != 1e-6 {
		t.Fatalf("defaults not applied: %+v", c)
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "x.safetensors")); err == nil {
		t.Fatalf("expected error for missing config")
	}
}
