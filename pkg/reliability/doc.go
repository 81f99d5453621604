// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package reliability provides reception awareness for the gateway.

Reception awareness covers duplicate detection on the inbound path and
retries on the outbound path, both driven by the agreement's
receptionAwareness block.

# Duplicate Detection

The Tracker claims a message id by inserting its record. The store's unique
(message id, direction) constraint decides the race between concurrent
deliveries, so exactly one of them becomes the original:

	tracker := reliability.NewTracker(store)

	claim, err := tracker.Claim(ctx, record, agreement.ReceptionAwareness)
	if err != nil {
	    return err
	}
	if claim.Duplicate {
	    // Skip payload processing, re-send the receipt for
	    // claim.OriginalMessageID().
	}

A redelivery that falls outside the check window is recorded as such but is
not reported as a duplicate.

# Check Window

The window is read from duplicateDetection.checkwindow:

	"receptionAwareness": {
	    "duplicateDetection": {"checkwindow": "7D"},
	    "retry": {"maxretries": 3, "period": 2000}
	}

Windows take a number with a D, H, M or S suffix, or a Go duration. An empty
window never expires.

# Retry

RetryPolicy spaces out delivery attempts linearly:

	policy := reliability.NewRetryPolicy(agreement.ReceptionAwareness)
	if ok, wait := policy.Next(attempts); ok {
	    // retry after wait
	}

# References

  - OASIS AS4 Reception Awareness: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
*/
package reliability
