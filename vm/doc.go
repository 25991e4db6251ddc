// Package vm implements the Kestrel virtual machine.
//
// This package contains:
//   - The tagged runtime value representation
//   - The instruction set, program container and disassembler
//   - The operand stack and call-frame discipline
//   - The bytecode interpreter
//   - The mark-sweep heap with generational promotion
//   - Value export to protobuf and JSON for embedders
package vm
