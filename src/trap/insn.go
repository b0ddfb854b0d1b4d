package trap

import "golang.org/x/arch/x86/x86asm"

// insnlen decodes the instruction at the start of code in 32-bit mode
// and returns its length. DIV and IDIV take register and memory forms
// between two and six bytes, so the divide-error recovery path cannot
// use a fixed stride.
func insnlen(code []uint8) (int, bool) {
	inst, err := x86asm.Decode(code, 32)
	// the decoder reports truncated input as a lone prefix byte with
	// no opcode
	if err != nil || inst.Op == 0 {
		return 0, false
	}
	return inst.Len, true
}
