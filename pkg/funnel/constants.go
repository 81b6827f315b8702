package funnel

import "time"

const (
	inviteTokenLength   = 4
	inviteTokenAlphabet = "ABCDEFGHIJKLMNPQRSTUVWXYZ0123456789"

	challengeCodeDigits = 6
	challengeTTL        = 5 * time.Minute

	defaultHoldDuration  = time.Hour
	defaultSweepInterval = time.Minute

	slotInsertAttempts  = 8
	slotClaimAttempts   = 8
	inviteIssueAttempts = 8

	membershipValidity = 365 * 24 * time.Hour

	// RankSequenceKey names the counter that mints join ranks.
	RankSequenceKey = "joinOrder"

	defaultCurrency = "INR"

	operationSequence     = "sequence"
	operationChallenge    = "challenge"
	operationInvite       = "invite"
	operationSlot         = "slot"
	operationPayment      = "payment"
	operationStatusOK     = "ok"
	operationStatusError  = "error"
	operationIssue        = "issue"
	operationVerify       = "verify"
	operationCheck        = "check"
	operationStage        = "stage"
	operationConsume      = "consume"
	operationReserve      = "reserve"
	operationFinalize     = "finalize"
	operationSweep        = "sweep"
	operationCreateOrder  = "create_order"
	operationAllocateNext = "allocate_next"
)
