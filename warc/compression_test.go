package warc

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestGuessZstdDetectsMagic(t *testing.T) {
	isZstd, err := guessZstd(bufio.NewReader(bytes.NewReader([]byte{0x1f, 0x8b, 0x08, 0x00})))
	if err != nil {
		t.Fatalf("guessZstd: %v", err)
	}
	if isZstd {
		t.Error("gzip magic misdetected as zstd")
	}

	isZstd, err = guessZstd(bufio.NewReader(bytes.NewReader(append(make([]byte, 8), zstdMagic...))))
	if err != nil {
		t.Fatalf("guessZstd: %v", err)
	}
	if !isZstd {
		t.Error("zstd magic not detected")
	}
}

func TestZstdFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := []byte("a length-prefixed zstd frame body")
	if _, err := writeZstdFrame(&buf, want); err != nil {
		t.Fatalf("writeZstdFrame: %v", err)
	}

	got, err := readZstdFrame(&buf)
	if err != nil {
		t.Fatalf("readZstdFrame: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestWriterReaderZstdCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriterWithCodec(&buf, "z.warc", 0, CodecZstd)

	for _, body := range []string{"first-zstd", "second-zstd"} {
		r := NewRecord()
		r.Header.Set("WARC-Type", TypeResponse)
		r.Content = strings.NewReader(body)
		if _, _, _, err := w.WriteRecord(r); err != nil {
			t.Fatalf("WriteRecord(%q): %v", body, err)
		}
	}

	reader := NewReader(bytes.NewReader(buf.Bytes()))
	var got []string
	for {
		record, eol, err := reader.ReadRecord()
		if eol {
			break
		}
		if err != nil {
			t.Fatalf("ReadRecord: %v", err)
		}
		body, _ := readAll(record)
		got = append(got, body)
		record.Close()
	}
	if len(got) != 2 || got[0] != "first-zstd" || got[1] != "second-zstd" {
		t.Fatalf("got %v, want [first-zstd second-zstd]", got)
	}
}
