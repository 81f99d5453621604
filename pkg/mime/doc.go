// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package mime handles SOAP with Attachments packaging for ebMS3.

A user message with attachments travels as multipart/related. The first
part, or the part named by the start parameter, is the SOAP envelope; every
other part is an attachment referenced from eb:PartInfo by cid: href.

	Content-Type: multipart/related; boundary="----=_Part_..."; start="<id>";
	    type="application/soap+xml"

	------=_Part_...
	Content-Type: application/soap+xml; charset=UTF-8
	Content-ID: <id>

	[SOAP Envelope]

	------=_Part_...
	Content-Type: application/gzip
	Content-ID: <payload-1@jentrata.local>
	Content-Transfer-Encoding: binary

	[payload bytes]

Parse accepts both multipart/related and bare SOAP bodies:

	msg, err := mime.Parse(r.Body, r.Header.Get("Content-Type"))
	parts, err := msg.Correlate(header)

Outbound, NewMessage and Serialize produce the body and Content-Type; a
message without attachments is sent as a plain SOAP document.

# References

  - SOAP Messages with Attachments: https://www.w3.org/TR/SOAP-attachments
  - RFC 2387 multipart/related: https://datatracker.ietf.org/doc/html/rfc2387
*/
package mime
