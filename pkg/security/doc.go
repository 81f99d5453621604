// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package security implements WS-Security for ebMS message exchange.

The Enforcer applies the security section of a partner agreement. Inbound,
it checks that the sender is a party to the agreement, verifies the
UsernameToken when one is required and verifies the XML signature when the
agreement carries a signature configuration. Outbound, it adds the token and
signs the envelope.

	enforcer := security.NewEnforcer(security.Config{
	    KeyStore: keys,
	    Logger:   logger,
	})

	res := enforcer.Verify(ctx, raw, env, message.TypeUserMessage, attachments, agreement)
	if !res.OK {
	    code := res.Code() // EBMS:0101 or EBMS:0103
	}

	signed, err := enforcer.Sign(ctx, env, message.TypeUserMessage, attachments, agreement)

Verification failures never surface as errors from Verify; the Result
carries the cause so the pipeline can pick the reply.

# Signatures

RSASigner produces a detached signature in the wsse:Security header over
the wsu:Timestamp, the SOAP Body, the eb:Messaging header and every MIME
attachment by cid: reference:

	signer, err := security.NewRSASignerWithOptions(privateKey, certificate, security.SignerOptions{})
	signed, err := signer.SignEnvelopeWithAttachments(envelope, attachments)

	verifier, err := security.NewRSAVerifier(partnerCert)
	err = verifier.VerifyEnvelopeWithAttachments(signed, attachments)

Signature features:
  - RSA-SHA256/384/512 signature methods, SHA-1/256/384/512 digests
  - Exclusive XML Canonicalization with InclusiveNamespaces
  - Attachment-Content-Signature-Transform for attachments
  - BinarySecurityToken, KeyIdentifier, IssuerSerial or Thumbprint key
    references

Verification pins the partner certificate named by the agreement and
recomputes every attachment digest, so a payload altered after signing is
rejected.

# Username Tokens

AddUsernameToken and VerifyUsernameToken implement the UsernameToken
profile with PasswordText or PasswordDigest, an optional Nonce and an
optional Created timestamp checked against a freshness window.

# References

  - WS-Security 1.1.1: https://docs.oasis-open.org/wss/v1.1/
  - WS-Security UsernameToken Profile: https://docs.oasis-open.org/wss/v1.1/wss-v1.1-spec-os-UsernameTokenProfile.pdf
  - XML Signature: https://www.w3.org/TR/xmldsig-core1/
  - OASIS AS4 Security: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
*/
package security
