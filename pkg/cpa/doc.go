// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package cpa provides Collaboration Protocol Agreement (CPA) configuration.

A PartnerAgreement describes one negotiated relationship between two
trading partners: the parties, the security policy applied to messages in
both directions, reception awareness (duplicate detection and retry), the
payload profile used when packaging outbound payloads, and the services and
actions the partner may address.

# Agreement Documents

Agreements are loaded from JSON documents, each holding an array:

	[
	  {
	    "cpaId": "testCPAId1",
	    "active": true,
	    "initiator": {"partyId": "123456789", "role": "Sender"},
	    "responder": {"partyId": "192837465", "role": "Receiver"},
	    "security": {
	      "sendReceipt": true,
	      "sendReceiptReplyPattern": "Response",
	      "securityToken": {"username": "jentrata", "password": "verySecret", "digest": true}
	    },
	    "receptionAwareness": {"duplicateDetection": {"checkwindow": "7D"}},
	    "services": [
	      {"service": "service1", "actions": [{"action": "action1"}]}
	    ],
	    "transportReceiverEndpoint": "https://partner.example/ebms"
	  }
	]

Absent optional blocks disable the corresponding feature. Agreements that
are inconsistent (no cpaId, an unknown reply pattern, non-repudiation
without a signature configuration, an invalid validation expression) are
dropped with a warning rather than failing the whole load.

# Lookups

Repository keeps an immutable snapshot of the loaded set. Lookups only
consider active agreements and walk them in document order, so the first
matching agreement wins:

	repo := cpa.NewRepository([]string{"/etc/jentrata/cpa/*.json"}, logger)
	_ = repo.Load()
	agreement, err := repo.FindByServiceAndAction("service1", "action1")

FindByMessage resolves an inbound envelope by its collaboration info, and
falls back to agreements without services whose parties match the sender
and receiver.

# Validations

Each action may carry validation predicates evaluated against the inbound
envelope. Expressions use etree path syntax; namespace prefixes are
ignored, so "//eb:AgreementRef" and "//AgreementRef" are equivalent.

	{"type": "xpathConstant", "name": "ConversationId",
	 "expression": "//eb:ConversationId", "value": "test"}

# Hot Reload

Watcher observes the directories holding the documents and reloads the
repository after a quiet period. A reload that fails keeps the previous
snapshot. Recursive patterns are only watched at their base directory.
*/
package cpa
