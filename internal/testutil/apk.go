// Package testutil builds in-memory APK fixtures for tests.
package testutil

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"testing"
)

// ZipEntry one file inside a fixture archive. Order is preserved.
type ZipEntry struct {
	Name string
	Data []byte
}

// BuildZip writes the entries into a zip archive and returns its bytes.
func BuildZip(t testing.TB, entries ...ZipEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		f, err := w.Create(e.Name)
		if err != nil {
			t.Fatalf("create zip entry %s: %v", e.Name, err)
		}
		if _, err := f.Write(e.Data); err != nil {
			t.Fatalf("write zip entry %s: %v", e.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

// armWords a small mix of valid ARM (A32) instruction encodings.
var armWords = []uint32{
	0xE1A00000, // mov r0, r0
	0xE2800001, // add r0, r0, #1
	0xE3510000, // cmp r1, #0
	0xE5912000, // ldr r2, [r1]
	0xE5812004, // str r2, [r1, #4]
	0xE12FFF1E, // bx lr
	0xEAFFFFFE, // b .
	0xE0010392, // mul r1, r2, r3
}

// ARMCode returns n little-endian instruction words cycling through armWords.
func ARMCode(n int) []byte {
	out := make([]byte, 4*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(out[4*i:], armWords[(i*3+i/len(armWords))%len(armWords)])
	}
	return out
}

// DexPayload a fake dex whose code section starts right after the 0x0A 0x00 marker.
func DexPayload(instructions int) []byte {
	header := []byte{0x64, 0x65, 0x78, 0x0B, 0x30, 0x33, 0x35, 0x01} // no 0x0A00 in header
	payload := append([]byte{}, header...)
	payload = append(payload, 0x0A, 0x00)
	return append(payload, ARMCode(instructions)...)
}

// ManifestXML a plain-text manifest with some element text.
func ManifestXML(pkg string) []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<manifest xmlns:android="http://schemas.android.com/apk/res/android" package="%s">
  <application android:label="Demo">
    <activity android:name=".MainActivity">launcher main activity</activity>
  </application>
</manifest>`, pkg))
}

// Smali a smali-like source unit with n method bodies.
func Smali(class string, n int) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, ".class public L%s;\n.super Ljava/lang/Object;\n", class)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, ".method public method%d()V\n    .registers %d\n    const v0 %d\n    invoke virtual helper%d\n    return void\n.end method\n", i, i%7+1, i, i%13)
	}
	return []byte(b.String())
}

// SampleAPK a well-formed package with manifest, dex and a stray smali entry.
func SampleAPK(t testing.TB) []byte {
	t.Helper()
	return BuildZip(t,
		ZipEntry{Name: "AndroidManifest.xml", Data: ManifestXML("com.example.demo")},
		ZipEntry{Name: "classes.dex", Data: DexPayload(512)},
		ZipEntry{Name: "smali/com/example/Main.smali", Data: Smali("com/example/Main", 40)},
		ZipEntry{Name: "res/raw/blob.bin", Data: bytes.Repeat([]byte{1, 2, 3, 250}, 256)},
	)
}
