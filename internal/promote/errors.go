package promote

import "errors"

var (
	ErrPromotion           = errors.New("promotion failed")
	ErrPromotionIncomplete = errors.New("inclusion path missing from build tree")
)
