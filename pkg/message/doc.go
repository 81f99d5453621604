// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package message classifies, inspects and builds ebMS messages.

Envelopes are handled as etree documents so that the exact bytes received
can be signed, verified and stored without a marshal round trip.

# Classification

Classify inspects a raw envelope and reports its MessageType and message
identifier. SOAP 1.1 and 1.2 envelopes are recognised, as are ebMS v2 and
ebMS3 header blocks:

	c, err := message.Classify(raw)
	switch c.Type {
	case message.TypeUserMessage:
	case message.TypeSignalMessage, message.TypeSignalMessageError:
	}

Classify never fails for input that parses as XML; anything that is not an
ebMS envelope is TypeUnknown.

# Headers

ExtractHeader returns the routing fields (parties, service, action,
conversation id, part infos) and ValidateMessaging enforces the structural
rules of the ebMS3 header schema on user messages. Failures are reported as
*ProtocolError values carrying an EbmsError from the catalog.

# Building Messages

	env, parts, err := message.NewUserMessage(
	    message.WithFrom("sender", "urn:oasis:names:tc:ebcore:partyid-type:unregistered"),
	    message.WithTo("receiver", "urn:oasis:names:tc:ebcore:partyid-type:unregistered"),
	    message.WithService("urn:example:service", ""),
	    message.WithAction("Submit"),
	).AddPayload(message.PayloadPart{ContentType: "application/xml", Data: data}).BuildEnvelope()

NewReceipt and NewErrorSignal build the signal messages returned to
partners. An error signal also carries a SOAP fault in its body.

# References

  - OASIS ebMS 3.0 Core: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
  - AS4 Profile: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
*/
package message
