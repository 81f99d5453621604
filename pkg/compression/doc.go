// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package compression provides GZIP payload compression for ebMS3 parts.

A part is compressed when its agreement's payload profile names
application/gzip. The part keeps its original MimeType as a part property
and declares the compression in the CompressionType property.

	compressor := compression.NewCompressor()
	compressed, err := compressor.Compress(payload)

On the inbound path parts declaring GZIP are inflated before they are
stored. Inflation is bounded to guard against compression bombs:

	if compression.IsGzip(part.CompressionType) {
	    content, err := compressor.WithMaxSize(limit).Decompress(part.Content)
	}

# References

  - OASIS AS4 Compression: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
  - GZIP RFC 1952: https://datatracker.ietf.org/doc/html/rfc1952
*/
package compression
