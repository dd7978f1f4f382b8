// Package vm implements the descriptor arrays of the object model.
//
// This package contains:
//   - Interned property names
//   - Packed property details and tagged value slots
//   - DescriptorArray layout, search and copy-on-grow operations
//   - The descriptor lookup cache
//   - Incremental marking support and the weak map registry
//   - Binary layout and CBOR snapshot encodings
package vm
