// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package transport implements the HTTPS client used to deliver outbound
ebMS3 messages to a partner's transportReceiverEndpoint.

	client := transport.NewHTTPSClient(transport.DefaultHTTPSConfig())
	resp, err := client.Send(ctx, endpoint, body, contentType)

Any 2xx answer counts as delivered. A body returned with it is a
synchronous signal (receipt or error) and is fed back to signal
correlation by the caller. Other status codes yield a *StatusError.

# TLS Configuration

TLS 1.2 is the minimum, with TLS 1.3 preferred. For TLS 1.2 the following
cipher suites are offered:
  - TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384
  - TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256
  - TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384
  - TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256

Partner CAs that are not in the system pool are loaded with LoadRootCAs.

# Tracing

Every Send runs in a client span named transport.Send on the global
OpenTelemetry tracer provider.

# References

  - eDelivery AS4 Profile: https://ec.europa.eu/digital-building-blocks/sites/display/DIGITAL/eDelivery+AS4
*/
package transport
