// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package jentrata is an ebMS3 / AS4 message gateway.

# Overview

The gateway receives ebMS3 messages over HTTP, checks them against partner
agreements (CPAs), detects duplicates, enforces message-level security,
extracts payloads and acknowledges them with receipts. In the other
direction it packages application payloads into signed user messages and
delivers them to partners with retries.

# Standards

  - OASIS ebXML Messaging Services v3.0: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
  - OASIS AS4 Profile of ebMS 3.0 Version 1.0: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
  - WS-Security UsernameToken Profile 1.1: https://docs.oasis-open.org/wss/v1.1/
  - XML Signature Syntax and Processing: https://www.w3.org/TR/xmldsig-core1/

# Package Structure

	github.com/pvanvliet16/jentrata-VIB/pkg/message     - ebMS envelopes, classification, error catalog
	github.com/pvanvliet16/jentrata-VIB/pkg/cpa         - partner agreements, repository, hot reload
	github.com/pvanvliet16/jentrata-VIB/pkg/security    - UsernameToken and XML signature enforcement
	github.com/pvanvliet16/jentrata-VIB/pkg/reliability - duplicate detection and retry policy
	github.com/pvanvliet16/jentrata-VIB/pkg/compression - GZIP payload compression
	github.com/pvanvliet16/jentrata-VIB/pkg/mime        - MIME multipart handling
	github.com/pvanvliet16/jentrata-VIB/pkg/transport   - HTTPS delivery client
	github.com/pvanvliet16/jentrata-VIB/pkg/msh         - Message Service Handler

The cmd/jentrata binary wires these together with a store (memory,
MongoDB or PostgreSQL), the HTTP intake and the admin API.

# Quick Start

	jentrata serve --config /etc/jentrata/config.yaml

	jentrata cpa validate /etc/jentrata/cpa/*.json

# Embedding

	repo := cpa.NewRepository([]string{"cpa/*.json"}, logger)
	if err := repo.Load(); err != nil {
	    return err
	}
	handler, err := msh.NewMSH(msh.Config{
	    Store:      store,
	    Agreements: repo,
	    Transport:  transport.NewHTTPSClient(transport.DefaultHTTPSConfig()),
	})
	if err != nil {
	    return err
	}
	if err := handler.Start(ctx); err != nil {
	    return err
	}
	defer handler.Stop()

	resp := handler.Process(ctx, body, contentType)
*/
package jentrata
