// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package msh implements the ebMS Message Service Handler.

The MSH runs two pipelines over a shared Bus of bounded queues.

# Inbound

Process takes one HTTP delivery (SOAP or multipart/related) and returns
the answer for the sender:

	resp := handler.Process(ctx, body, contentType)
	w.Header().Set("Content-Type", resp.ContentType)
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)

The stages are classify, raw store, header extraction, agreement lookup,
duplicate claim and security verification, followed by a branch on the
message type:
  - user messages have their payloads extracted and are acknowledged with
    a receipt, returned synchronously or queued for callback delivery
    depending on the agreement's reply pattern
  - signals are correlated with the outbound message they reference
  - duplicates are recorded as IGNORED and answered with the same kind of
    receipt as the original

Failures end in FAILED with an ebMS error signal, or in a security-error
entry for failed verification.

# Outbound

Submit packages an application message according to its partner
agreement, signs it, records it as PENDING and queues it. Delivery workers
post it to the partner endpoint and retry under the agreement's
reception-awareness policy. A receipt moves the message to DELIVERED, an
error signal to FAILED.

# References

  - OASIS ebMS 3.0 Core: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
  - AS4 Profile: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
*/
package msh
