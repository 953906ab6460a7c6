package managed

// Signature is the leading byte a bytecode image carries when it is
// actually JavaScript source for this reference back-end rather than
// raw NWScript bytecode. A real deployment would use whatever the
// source compiler's manifest records; this package only needs something
// cheap to sniff the image with.
const Signature byte = 0x4D // 'M', for "managed"

// Detect reports whether raw begins with Signature, returning the JS
// source that follows it. The host driver calls this before deciding
// whether to hand an image to ir.Analyze or straight to Engine.
func Detect(raw []byte) (source []byte, ok bool) {
	if len(raw) == 0 || raw[0] != Signature {
		return nil, false
	}
	return raw[1:], true
}

// Wrap prepends Signature to src, producing an image byte sequence
// host.Driver's cache can store and later recognize via Detect.
func Wrap(src []byte) []byte {
	out := make([]byte, 0, len(src)+1)
	out = append(out, Signature)
	return append(out, src...)
}
