package util

import (
	"testing"
)

func TestChecksumDetectsTornEntry(t *testing.T) {
	entry := []byte(`{"seq":4,"op":"revision","id":"doc-1","revision":{"rev":"2-ab"}}`)
	sum := ComputeChecksum(entry)

	if !ValidateChecksum(entry, sum) {
		t.Fatal("intact entry should validate")
	}
	if ValidateChecksum(entry[:len(entry)-3], sum) {
		t.Error("truncated entry should fail validation")
	}
	if ComputeChecksum([]byte{}) != ComputeChecksum(nil) {
		t.Error("empty inputs should share a checksum")
	}
}

func BenchmarkComputeChecksum(b *testing.B) {
	data := make([]byte, 4096)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ComputeChecksum(data)
	}
}
