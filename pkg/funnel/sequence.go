package funnel

import "context"

// NextSequence atomically increments the named counter and returns the new
// value. The counter is created lazily, so the first call for a fresh key
// returns 1. Under N concurrent calls on the same key the returned values are
// exactly {1..N}: the store performs the increment as one conditional write.
func (service *Service) NextSequence(ctx context.Context, key SequenceKey) (int64, error) {
	value, err := service.store.NextSequence(ctx, key.String())
	service.logOperation(ctx, OperationLog{
		Operation: operationSequence,
		Action:    operationAllocateNext,
		Subject:   key.String(),
		Number:    value,
		Error:     err,
	})
	return value, err
}
