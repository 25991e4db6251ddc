package hash

// ---------------------------------------------------------------------------
// Frozen tag bytes for the function serialization format.
//
// IMPORTANT: These tags are FROZEN. Once assigned, a tag byte must never
// change meaning. Adding new tags is fine; changing existing ones breaks
// all previously computed content hashes.
// ---------------------------------------------------------------------------

// HashVersion is the version prefix for the serialization format.
// Bumping this invalidates all existing content hashes.
const HashVersion byte = 1

const (
	TagReservedZero byte = 0x00 // version prefix / reserved

	// Structure
	TagFunction    byte = 0x01
	TagInstruction byte = 0x02

	// Constant operands, serialized by value rather than pool index
	TagConstInteger     byte = 0x10
	TagConstBoolean     byte = 0x11
	TagConstText        byte = 0x12
	TagConstVoid        byte = 0x13
	TagConstFunctionRef byte = 0x14

	// Jump targets
	TagJumpLocal    byte = 0x20 // offset from the function start
	TagJumpExternal byte = 0x21 // absolute address outside the function
)

// allTags lists every defined tag for uniqueness verification in tests.
var allTags = []byte{
	TagReservedZero,
	TagFunction, TagInstruction,
	TagConstInteger, TagConstBoolean, TagConstText, TagConstVoid, TagConstFunctionRef,
	TagJumpLocal, TagJumpExternal,
}
