package tsh

import (
	"bytes"
	"fmt"
	"testing"
)

func TestScanSingleObject(t *testing.T) {
	s := NewScanner()
	objects := s.Scan([]byte(`{"jsonrpc":"2.0","id":"1","result":{"Volume":50}}`))
	if len(objects) != 1 {
		t.Fatalf("objects=%d, want 1", len(objects))
	}
	if string(objects[0]) != `{"jsonrpc":"2.0","id":"1","result":{"Volume":50}}` {
		t.Fatalf("object=%q", objects[0])
	}
}

func TestScanObjectSplitAcrossEveryBoundary(t *testing.T) {
	payload := []byte(`{"method":"xFeedback/Event","params":{"Path":["Status","Audio"],"Text":"a{b}c \"}\" d"}}`)
	for split := 1; split < len(payload); split++ {
		s := NewScanner()
		var objects [][]byte
		objects = append(objects, s.Scan(payload[:split])...)
		objects = append(objects, s.Scan(payload[split:])...)
		if len(objects) != 1 {
			t.Fatalf("split=%d: objects=%d, want 1", split, len(objects))
		}
		if string(objects[0]) != string(payload) {
			t.Fatalf("split=%d: object=%q, want %q", split, objects[0], payload)
		}
	}
}

func TestScanMultipleObjectsWithNoise(t *testing.T) {
	s := NewScanner()
	stream := "OK\r\n" + `{"id":"1","result":1}` + "\r\n*r prompt\r\n" + `{"id":"2","result":2}` + "\r\n"
	objects := s.Scan([]byte(stream))
	if len(objects) != 2 {
		t.Fatalf("objects=%d, want 2", len(objects))
	}
	if string(objects[0]) != `{"id":"1","result":1}` {
		t.Fatalf("first=%q", objects[0])
	}
	if string(objects[1]) != `{"id":"2","result":2}` {
		t.Fatalf("second=%q", objects[1])
	}
}

func TestScanBracesInsideStrings(t *testing.T) {
	s := NewScanner()
	payload := `{"text":"open { and close } and escaped \" quote","n":{"x":1}}`
	objects := s.Scan([]byte(payload))
	if len(objects) != 1 {
		t.Fatalf("objects=%d, want 1", len(objects))
	}
	if string(objects[0]) != payload {
		t.Fatalf("object=%q", objects[0])
	}
}

func TestScanEscapedBackslashBeforeQuote(t *testing.T) {
	s := NewScanner()
	payload := `{"path":"C:\\"}`
	objects := s.Scan([]byte(payload))
	if len(objects) != 1 {
		t.Fatalf("objects=%d, want 1", len(objects))
	}
}

func TestScanNoiseOnlyYieldsNothing(t *testing.T) {
	s := NewScanner()
	if objects := s.Scan([]byte("Welcome to the system\r\nOK\r\n")); len(objects) != 0 {
		t.Fatalf("objects=%d, want 0", len(objects))
	}
	if s.Pending() {
		t.Fatal("Pending()=true, want false")
	}
}

func TestScanPendingAcrossChunks(t *testing.T) {
	s := NewScanner()
	if objects := s.Scan([]byte(`{"id":"1",`)); len(objects) != 0 {
		t.Fatalf("objects=%d, want 0", len(objects))
	}
	if !s.Pending() {
		t.Fatal("Pending()=false, want true")
	}
	objects := s.Scan([]byte(`"result":1}`))
	if len(objects) != 1 {
		t.Fatalf("objects=%d, want 1", len(objects))
	}
}

func TestScanDiscardsOversizeObject(t *testing.T) {
	s := NewScanner()

	// An unbalanced brace followed by endless garbage must not buffer
	// forever; the scanner gives up past the size cap and recovers.
	garbage := append([]byte(`{"data":"`), bytes.Repeat([]byte("x"), maxObjectBytes+1)...)
	if objects := s.Scan(garbage); len(objects) != 0 {
		t.Fatalf("objects=%d, want 0", len(objects))
	}
	if s.Pending() {
		t.Fatal("Pending()=true after oversize discard")
	}

	objects := s.Scan([]byte(`"}{"id":"1","result":1}`))
	if len(objects) != 1 {
		t.Fatalf("objects=%d, want 1", len(objects))
	}
	if string(objects[0]) != `{"id":"1","result":1}` {
		t.Fatalf("object=%q", objects[0])
	}
}

func TestScanStreamOrderPreserved(t *testing.T) {
	s := NewScanner()
	var stream []byte
	for i := 0; i < 10; i++ {
		stream = append(stream, []byte(fmt.Sprintf(`{"id":"%d"}`, i))...)
		stream = append(stream, '\n')
	}
	objects := s.Scan(stream)
	if len(objects) != 10 {
		t.Fatalf("objects=%d, want 10", len(objects))
	}
	for i, obj := range objects {
		want := fmt.Sprintf(`{"id":"%d"}`, i)
		if string(obj) != want {
			t.Fatalf("objects[%d]=%q, want %q", i, obj, want)
		}
	}
}
