// Package order 订单状态机：权限守卫、比较并交换式提交与提交后的副作用。
package order

import (
	"coffee_core/internal/apperr"
	"coffee_core/internal/model"
)

// memberTargets 会员可以主动发起的目标状态及其允许的来源状态。
var memberTargets = map[model.OrderStatus][]model.OrderStatus{
	model.StatusCancelled: {
		model.StatusPendingPayment,
		model.StatusPaymentCompleted,
		model.StatusPreparing,
	},
	model.StatusPurchaseCompleted: {model.StatusDelivered},
	model.StatusReturnRequested:   {model.StatusDelivered},
}

// CheckActor 校验调用方身份，并确认会员只访问自己的订单（否则按不存在处理）。
func CheckActor(o *model.Order, actor model.Actor) error {
	if err := actor.Validate(); err != nil {
		return apperr.Validation("%s", err.Error())
	}
	if !actor.IsAdmin() && o.MemberID != actor.MemberID {
		return apperr.NotFound("order %s not found", o.ID)
	}
	return nil
}

// Guard 判断 actor 能否把订单从 from 改到 to。
// 后台可任意改写；会员只允许取消、确认收货、申请退货三种操作。
func Guard(from, to model.OrderStatus, actor model.Actor) error {
	if !to.Valid() {
		return apperr.Validation("unknown order status %q", to)
	}
	if actor.IsAdmin() || from == to {
		return nil
	}
	allowed, ok := memberTargets[to]
	if !ok {
		return apperr.InvalidTransition("members cannot move an order to %s", to)
	}
	for _, s := range allowed {
		if s == from {
			return nil
		}
	}
	return apperr.InvalidTransition("cannot move order from %s to %s", from, to)
}
