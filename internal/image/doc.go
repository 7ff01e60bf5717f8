// Package image packs a configured runtime tree into an OCI image layout.
//
// The runtime tree becomes a single uncompressed layer; the execution
// configuration written by the runtime configurator becomes the image
// config. Manifest and index reference both by content digest, laid out as
//
//	<out>/oci-layout
//	<out>/index.json
//	<out>/blobs/sha256/<digest>
//
// The layer tar is deterministic: entries are written in lexical order with
// zeroed timestamps and numeric ownership, so identical runtime trees
// produce byte-identical image blobs.
package image
