// Package codec converts session payloads to and from the text stored in the
// data column.
//
// Three codecs are built in:
//
//   - marshal: gob encoded payload wrapped in base64. Binary safe, Go specific.
//   - json:    plain JSON object.
//   - hybrid:  reads both of the above, writes JSON. Rows move from marshal to
//     JSON one at a time as they are rewritten.
//
// Codecs are stateless. A Registry holds them by name and is built explicitly
// by whoever wires the store; there is no package level selection.
package codec
