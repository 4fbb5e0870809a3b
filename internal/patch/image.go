// Package patch implements the bytecode-patching pipeline: the
// pre-deployment packer that turns a parsed ELF object into a deployable
// binary image, and the on-device in-place resolver that patches a raw ELF
// object's .text section against its final runtime address.
//
// The relocation algorithm (symbol lookup, call-immediate rewrite, rodata
// pointer biasing) is reimplemented here with a packed-struct encode/decode
// idiom: each record type exposes Encode/Decode rather than hiding its
// wire layout behind reflection or a generic codec.
package patch

import (
	"debug/elf"
	"strings"

	"microbpf/internal/binimage"
	"microbpf/internal/elfreader"
)

// Image is the deployable binary produced by Pack: a header plus the three
// sections, the collected function symbol table, and the trailing
// relocated-call records.
type Image struct {
	Header         binimage.Header
	Data           []byte
	Rodata         []byte
	Text           []byte
	Functions      []binimage.Symbol
	RelocatedCalls []binimage.RelocatedCall
}

// Encode serialises an Image in the exact order the runtime expects to read
// it back: header, .data, .rodata, .text, symbol records, relocated-call
// records.
func (img Image) Encode() []byte {
	out := make([]byte, 0, binimage.HeaderSize+len(img.Data)+len(img.Rodata)+len(img.Text)+
		len(img.Functions)*binimage.SymbolSize+len(img.RelocatedCalls)*binimage.RelocatedCallSize)
	out = append(out, img.Header.Encode()...)
	out = append(out, img.Data...)
	out = append(out, img.Rodata...)
	out = append(out, img.Text...)
	for _, s := range img.Functions {
		out = append(out, s.Encode()...)
	}
	for _, c := range img.RelocatedCalls {
		out = append(out, c.Encode()...)
	}
	return out
}

// isRodataSubSection reports whether name is an additional string-literal
// (or other) read-only data section the compiler split out of .rodata,
// e.g. ".rodata.str1.1".
func isRodataSubSection(name string) bool {
	return strings.Contains(name, ".rodata.")
}

func sectionName(obj *elfreader.Object, idx elf.SectionIndex) string {
	i := int(idx)
	if i < 0 || i >= len(obj.Sections) {
		return ""
	}
	return obj.Sections[i].Name
}
