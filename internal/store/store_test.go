package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"coffee_core/internal/apperr"
	"coffee_core/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return New(db)
}

func seedOrder(t *testing.T, s *Store, id, memberID string, status model.OrderStatus, price int64) *model.Order {
	t.Helper()
	o := &model.Order{
		ID:         id,
		MemberID:   memberID,
		Status:     status,
		TotalPrice: price,
		Items:      []model.OrderItem{{ProductID: "bean-" + id, SalePrice: price, Quantity: 1}},
	}
	require.NoError(t, s.CreateOrder(context.Background(), o))
	return o
}

func TestGetOrderNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetOrder(context.Background(), "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestCreateAndGetOrder(t *testing.T) {
	s := newTestStore(t)
	seedOrder(t, s, "o-1", "m-1", model.StatusPendingPayment, 12000)

	got, err := s.GetOrder(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, "m-1", got.MemberID)
	assert.Len(t, got.Items, 1)
	assert.NoError(t, got.CheckTotal())

	err = s.CreateOrder(context.Background(), &model.Order{ID: "o-1", MemberID: "m-1", Status: model.StatusPendingPayment})
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestCompareAndSetStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedOrder(t, s, "o-1", "m-1", model.StatusPreparing, 5000)

	ok, err := s.CompareAndSetStatus(ctx, "o-1", model.StatusPreparing, model.StatusShipping)
	require.NoError(t, err)
	assert.True(t, ok)

	// 旧状态已失效，第二次 CAS 必须失败。
	ok, err = s.CompareAndSetStatus(ctx, "o-1", model.StatusPreparing, model.StatusCancelled)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusShipping, got.Status)
}

func TestReplaceItemPricesRecomputesTotal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	o := &model.Order{
		ID: "o-1", MemberID: "m-1", Status: model.StatusPaymentCompleted, TotalPrice: 13000,
		Items: []model.OrderItem{
			{ProductID: "bean", SalePrice: 4500, Quantity: 2},
			{ProductID: "drip", SalePrice: 4000, Quantity: 1},
		},
	}
	require.NoError(t, s.CreateOrder(ctx, o))

	updated, err := s.ReplaceItemPrices(ctx, "o-1", []model.ItemEdit{{ItemID: o.Items[1].ID, SalePrice: 3500, Quantity: 3}})
	require.NoError(t, err)
	assert.Equal(t, int64(9000+10500), updated.TotalPrice)

	got, err := s.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, updated.TotalPrice, got.TotalPrice)
	assert.NoError(t, got.CheckTotal())

	_, err = s.ReplaceItemPrices(ctx, "o-1", []model.ItemEdit{{ItemID: 999, SalePrice: 1, Quantity: 1}})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestDeleteOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedOrder(t, s, "o-1", "m-1", model.StatusDelivered, 5000)

	require.NoError(t, s.DeleteOrder(ctx, "o-1"))
	_, err := s.GetOrder(ctx, "o-1")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	err = s.DeleteOrder(ctx, "o-1")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestSumTotalPriceExcludesStatuses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedOrder(t, s, "o-1", "m-1", model.StatusPurchaseCompleted, 120000)
	seedOrder(t, s, "o-2", "m-1", model.StatusDelivered, 90000)
	seedOrder(t, s, "o-3", "m-1", model.StatusCancelled, 500000)
	seedOrder(t, s, "o-4", "m-2", model.StatusDelivered, 70000)

	sum, err := s.SumTotalPrice(ctx, "m-1", []model.OrderStatus{model.StatusCancelled, model.StatusReturned})
	require.NoError(t, err)
	assert.Equal(t, int64(210000), sum)

	sum, err = s.SumTotalPrice(ctx, "nobody", nil)
	require.NoError(t, err)
	assert.Zero(t, sum)
}

func TestListOrdersFilterAndPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		seedOrder(t, s, fmt.Sprintf("o-%d", i), "m-1", model.StatusPreparing, 1000)
	}
	seedOrder(t, s, "x-1", "m-2", model.StatusShipping, 1000)

	list, total, err := s.ListOrders(ctx, OrderFilter{MemberID: "m-1"}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Len(t, list, 2)

	list, total, err = s.ListOrders(ctx, OrderFilter{Status: model.StatusShipping}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "x-1", list[0].ID)
}

func TestMemberUpsertAndGradeCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertMember(ctx, &model.Member{ID: "m-1", Active: true}))

	m, err := s.GetMember(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, model.GradeSilver, m.Grade)

	ok, err := s.CompareAndSetGrade(ctx, "m-1", model.GradeSilver, model.GradeGold)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSetGrade(ctx, "m-1", model.GradeSilver, model.GradeVIP)
	require.NoError(t, err)
	assert.False(t, ok)

	// 重新登记不会改写等级。
	require.NoError(t, s.UpsertMember(ctx, &model.Member{ID: "m-1", Grade: model.GradeSilver, Active: false}))
	m, err = s.GetMember(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, model.GradeGold, m.Grade)
	assert.False(t, m.Active)
}

func TestListActiveMemberIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"m-1", "m-2", "m-3"} {
		require.NoError(t, s.UpsertMember(ctx, &model.Member{ID: id, Active: true}))
	}
	require.NoError(t, s.UpsertMember(ctx, &model.Member{ID: "m-0", Active: false}))

	ids, err := s.ListActiveMemberIDs(ctx, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"m-1", "m-2"}, ids)

	ids, err = s.ListActiveMemberIDs(ctx, "m-2", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"m-3"}, ids)
}

func TestAppendEntryIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := "purchase-confirm:o-1"

	first, created, err := s.AppendEntry(ctx, &model.PointLedgerEntry{MemberID: "m-1", Amount: 100, Reason: "구매확정 적립", IdempotencyKey: &key})
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := s.AppendEntry(ctx, &model.PointLedgerEntry{MemberID: "m-1", Amount: 100, Reason: "구매확정 적립", IdempotencyKey: &key})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	bal, err := s.SumAmount(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)
}

func TestAppendEntryIfBalance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.AppendEntry(ctx, &model.PointLedgerEntry{MemberID: "m-1", Amount: 300, Reason: "grant"})
	require.NoError(t, err)

	_, _, err = s.AppendEntryIfBalance(ctx, &model.PointLedgerEntry{MemberID: "m-1", Amount: -500, Reason: "redeem"}, 500)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, created, err := s.AppendEntryIfBalance(ctx, &model.PointLedgerEntry{MemberID: "m-1", Amount: -200, Reason: "redeem"}, 200)
	require.NoError(t, err)
	assert.True(t, created)

	bal, err := s.SumAmount(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)
}

func TestListEntriesReverseChronological(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		_, _, err := s.AppendEntry(ctx, &model.PointLedgerEntry{
			MemberID: "m-1", Amount: int64(i * 10), Reason: "grant", CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}
	// 同一时刻的两条记录按 id 倒序。
	same := base.Add(5 * time.Hour)
	for i := 0; i < 2; i++ {
		_, _, err := s.AppendEntry(ctx, &model.PointLedgerEntry{MemberID: "m-1", Amount: 1, Reason: "tie", CreatedAt: same})
		require.NoError(t, err)
	}

	page1, total, err := s.ListEntries(ctx, "m-1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, page1, 2)
	assert.Greater(t, page1[0].ID, page1[1].ID)

	page2, _, err := s.ListEntries(ctx, "m-1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, int64(30), page2[0].Amount)
	assert.Equal(t, int64(20), page2[1].Amount)
}

func TestEnsureMemberKeepsExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureMember(ctx, "m-new"))
	m, err := s.GetMember(ctx, "m-new")
	require.NoError(t, err)
	assert.Equal(t, model.GradeSilver, m.Grade)
	assert.True(t, m.Active)

	require.NoError(t, s.UpsertMember(ctx, &model.Member{ID: "m-new", Active: false}))
	ok, err := s.CompareAndSetGrade(ctx, "m-new", model.GradeSilver, model.GradeGold)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.EnsureMember(ctx, "m-new"))
	m, err = s.GetMember(ctx, "m-new")
	require.NoError(t, err)
	assert.Equal(t, model.GradeGold, m.Grade)
	assert.False(t, m.Active)
}
