package redis

import "fmt"

// MemberLockKey 会员级互斥锁，串行化同一会员的积分写入。
func MemberLockKey(memberID string) string {
	return fmt.Sprintf("coffee_core:member:lock:%s", memberID)
}

// EventSeenKey 标记某个订单事件是否已被消费过。
func EventSeenKey(eventID string) string {
	return fmt.Sprintf("coffee_core:event:seen:%s", eventID)
}

// RateLimitMemberKey 按会员限流。
func RateLimitMemberKey(memberID string) string {
	return fmt.Sprintf("coffee_core:rate_limit:member:%s", memberID)
}

// RateLimitIPKey 拿不到会员身份时按 IP 限流。
func RateLimitIPKey(ip string) string {
	return fmt.Sprintf("coffee_core:rate_limit:ip:%s", ip)
}
