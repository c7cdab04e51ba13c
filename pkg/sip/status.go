package sip

import "github.com/emiago/sipgo/sip"

// Response codes used by the user agent
const (
	statusRinging                sip.StatusCode = 180
	statusSessionProgress        sip.StatusCode = 183
	statusProxyAuthRequired      sip.StatusCode = 407
	statusTemporarilyUnavailable sip.StatusCode = 480
	statusCallDoesNotExist       sip.StatusCode = 481
	statusRequestTerminated      sip.StatusCode = 487
	statusNotAcceptableHere      sip.StatusCode = 488
	statusRequestPending         sip.StatusCode = 491
	statusBusyEverywhere         sip.StatusCode = 600
	statusDecline                sip.StatusCode = 603
)
