package service

import "errors"

var (
	ErrDuplicateCardID       = errors.New("card_id 已存在")
	ErrDuplicateSecret       = errors.New("卡密已存在")
	ErrNotFound              = errors.New("卡片不存在")
	ErrCannotDelete          = errors.New("卡片已绑定订单，不能删除")
	ErrNotAssigned           = errors.New("卡片未绑定订单")
	ErrInsufficientInventory = errors.New("可售卡不足")
	ErrOrderNotFound         = errors.New("订单不存在")
	ErrOrderInactive         = errors.New("订单不在有效状态")
	ErrProductNotFound       = errors.New("商品不存在")
	ErrInvalidStatus         = errors.New("新卡只能以 available 或 inactive 状态、never_delivered 交付状态入库")
	ErrVerificationFailed    = errors.New("卡片校验失败")
	ErrPersistence           = errors.New("存储失败")
)

// persistence 包装底层存储错误，调用方可用 errors.Is(err, ErrPersistence) 判断
func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &persistenceError{op: op, err: err}
}

type persistenceError struct {
	op  string
	err error
}

func (e *persistenceError) Error() string {
	return e.op + ": " + e.err.Error()
}

func (e *persistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.err}
}
