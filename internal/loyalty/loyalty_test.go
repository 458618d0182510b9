package loyalty_test

import (
	"context"
	"math"
	"sync"
	"testing"

	"coffee_core/internal/apperr"
	"coffee_core/internal/loyalty"
	"coffee_core/internal/model"
	"coffee_core/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	st         *store.Store
	points     *loyalty.Points
	rewards    *loyalty.RewardIssuer
	reconciler *loyalty.Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	st := store.New(db)
	points := loyalty.NewPoints(st, st, nil, nil)
	return &fixture{
		st:         st,
		points:     points,
		rewards:    loyalty.NewRewardIssuer(points, st, loyalty.DefaultRewardRateBP, nil),
		reconciler: loyalty.NewReconciler(st, loyalty.NewAggregator(st), loyalty.DefaultThresholds(), nil),
	}
}

func (f *fixture) member(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.st.UpsertMember(context.Background(), &model.Member{ID: id, Active: true}))
}

func (f *fixture) order(t *testing.T, id, memberID string, status model.OrderStatus, total int64) *model.Order {
	t.Helper()
	o := &model.Order{
		ID:         id,
		MemberID:   memberID,
		Status:     status,
		TotalPrice: total,
		Items:      []model.OrderItem{{ProductID: "latte", SalePrice: total, Quantity: 1}},
	}
	require.NoError(t, f.st.CreateOrder(context.Background(), o))
	return o
}

func TestGradeForBoundaries(t *testing.T) {
	th := loyalty.DefaultThresholds()
	require.NoError(t, th.Validate())

	cases := []struct {
		spend int64
		want  model.Grade
	}{
		{0, model.GradeSilver},
		{99999, model.GradeSilver},
		{100000, model.GradeGold},
		{299999, model.GradeGold},
		{300000, model.GradeVIP},
		{5000000, model.GradeVIP},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, th.GradeFor(tc.spend), "spend=%d", tc.spend)
	}
}

func TestGradeForMonotonic(t *testing.T) {
	th := loyalty.DefaultThresholds()
	rank := map[model.Grade]int{model.GradeSilver: 0, model.GradeGold: 1, model.GradeVIP: 2}
	prev := th.GradeFor(0)
	for spend := int64(0); spend <= 400000; spend += 2500 {
		g := th.GradeFor(spend)
		assert.GreaterOrEqual(t, rank[g], rank[prev], "spend=%d", spend)
		prev = g
	}
}

func TestThresholdsValidate(t *testing.T) {
	assert.Error(t, loyalty.NewThresholds(300000, 100000).Validate())
	assert.Error(t, loyalty.NewThresholds(0, 100).Validate())
	assert.Error(t, loyalty.Thresholds{{Grade: model.GradeGold, MinSpend: 10}}.Validate())
	assert.NoError(t, loyalty.NewThresholds(50000, 150000).Validate())

	next, ok := loyalty.DefaultThresholds().Next(120000)
	require.True(t, ok)
	assert.Equal(t, model.GradeVIP, next.Grade)
	_, ok = loyalty.DefaultThresholds().Next(300000)
	assert.False(t, ok)
}

func TestPurchaseRewardAmount(t *testing.T) {
	assert.Equal(t, int64(100), loyalty.PurchaseRewardAmount(10000, 100))
	assert.Equal(t, int64(1), loyalty.PurchaseRewardAmount(1, 100))
	assert.Equal(t, int64(124), loyalty.PurchaseRewardAmount(12345, 100))
	assert.Equal(t, int64(0), loyalty.PurchaseRewardAmount(0, 100))
	assert.Equal(t, int64(250), loyalty.PurchaseRewardAmount(10000, 250))
	// totalPrice×rateBP 超出 int64 时仍按向上取整计算。
	assert.Equal(t, int64(math.MaxInt64/10000*100+(math.MaxInt64%10000*100+9999)/10000),
		loyalty.PurchaseRewardAmount(math.MaxInt64, 100))
	assert.Equal(t, int64(math.MaxInt64), loyalty.PurchaseRewardAmount(math.MaxInt64, 10000))
}

func TestSumValidSpendExcludesCancelledAndReturned(t *testing.T) {
	orders := []model.Order{
		{Status: model.StatusDelivered, TotalPrice: 120000},
		{Status: model.StatusCancelled, TotalPrice: 500000},
		{Status: model.StatusReturned, TotalPrice: 70000},
		{Status: model.StatusReturnRequested, TotalPrice: 30000},
	}
	assert.Equal(t, int64(150000), loyalty.SumValidSpend(orders))
	assert.False(t, loyalty.CountsTowardSpend(model.StatusCancelled))
	assert.True(t, loyalty.CountsTowardSpend(model.StatusPurchaseCompleted))
}

func TestComputeValidSpendMatchesInMemorySum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var all []model.Order
	all = append(all, *f.order(t, "o-1", "m-1", model.StatusDelivered, 120000))
	all = append(all, *f.order(t, "o-2", "m-1", model.StatusCancelled, 500000))
	all = append(all, *f.order(t, "o-3", "m-1", model.StatusPendingPayment, 9000))
	f.order(t, "o-4", "m-2", model.StatusDelivered, 999999)

	got, err := loyalty.NewAggregator(f.st).ComputeValidSpend(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, loyalty.SumValidSpend(all), got)
	assert.Equal(t, int64(129000), got)

	_, err = loyalty.NewAggregator(f.st).ComputeValidSpend(ctx, " ")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestReconcileScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "m-1")

	f.order(t, "o-1", "m-1", model.StatusPurchaseCompleted, 120000)
	f.order(t, "o-2", "m-1", model.StatusPurchaseCompleted, 90000)
	res, err := f.reconciler.Reconcile(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, model.GradeGold, res.Grade)
	assert.Equal(t, int64(210000), res.ValidSpend)

	f.order(t, "o-3", "m-1", model.StatusPurchaseCompleted, 100000)
	res, err = f.reconciler.Reconcile(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, model.GradeVIP, res.Grade)

	// 已一致时重复对账不产生写入。
	res, err = f.reconciler.Reconcile(ctx, "m-1")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, model.GradeVIP, res.Grade)
}

func TestReconcileIgnoresCancelledOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "m-1")
	f.order(t, "o-1", "m-1", model.StatusCancelled, 500000)

	res, err := f.reconciler.Reconcile(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, model.GradeSilver, res.Grade)
	assert.Equal(t, int64(0), res.ValidSpend)
}

func TestReconcileDowngradesAfterReturn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "m-1")
	f.order(t, "o-1", "m-1", model.StatusDelivered, 150000)
	res, err := f.reconciler.Reconcile(ctx, "m-1")
	require.NoError(t, err)
	require.Equal(t, model.GradeGold, res.Grade)

	ok, err := f.st.CompareAndSetStatus(ctx, "o-1", model.StatusDelivered, model.StatusReturned)
	require.NoError(t, err)
	require.True(t, ok)

	res, err = f.reconciler.Reconcile(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, model.GradeSilver, res.Grade)
	assert.True(t, res.Changed)
}

func TestReconcileConcurrentConverges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "m-1")
	f.order(t, "o-1", "m-1", model.StatusDelivered, 320000)

	members := &countingMembers{Store: f.st}
	reconciler := loyalty.NewReconciler(members, loyalty.NewAggregator(f.st), loyalty.DefaultThresholds(), nil)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reconciler.Reconcile(ctx, "m-1"); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, members.applied())
	m, err := f.st.GetMember(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, model.GradeVIP, m.Grade)
}

// countingMembers 统计等级 CAS 调用次数，并可让前 lose 次调用像输掉竞争一样不写入。
type countingMembers struct {
	*store.Store
	mu    sync.Mutex
	lose  int
	calls int
	wins  int
}

func (c *countingMembers) CompareAndSetGrade(ctx context.Context, id string, expected, next model.Grade) (bool, error) {
	c.mu.Lock()
	c.calls++
	if c.lose > 0 {
		c.lose--
		c.mu.Unlock()
		return false, nil
	}
	c.mu.Unlock()
	ok, err := c.Store.CompareAndSetGrade(ctx, id, expected, next)
	if ok {
		c.mu.Lock()
		c.wins++
		c.mu.Unlock()
	}
	return ok, err
}

func (c *countingMembers) writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *countingMembers) applied() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wins
}

func TestReconcileRetriesOnceAfterLostRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "m-1")
	f.order(t, "o-1", "m-1", model.StatusDelivered, 150000)

	members := &countingMembers{Store: f.st, lose: 1}
	reconciler := loyalty.NewReconciler(members, loyalty.NewAggregator(f.st), loyalty.DefaultThresholds(), nil)

	res, err := reconciler.Reconcile(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, model.GradeGold, res.Grade)
	assert.Equal(t, 2, members.writes())

	// 已一致后反复对账不再产生任何写调用。
	for i := 0; i < 3; i++ {
		res, err = reconciler.Reconcile(ctx, "m-1")
		require.NoError(t, err)
		assert.False(t, res.Changed)
	}
	assert.Equal(t, 2, members.writes())
	assert.Equal(t, 1, members.applied())
}

func TestReconcileSurfacesConflictAfterSecondLoss(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "m-1")
	f.order(t, "o-1", "m-1", model.StatusDelivered, 150000)

	members := &countingMembers{Store: f.st, lose: 2}
	reconciler := loyalty.NewReconciler(members, loyalty.NewAggregator(f.st), loyalty.DefaultThresholds(), nil)

	_, err := reconciler.Reconcile(ctx, "m-1")
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.Equal(t, 2, members.writes())
	assert.Zero(t, members.applied())

	m, err := f.st.GetMember(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, model.GradeSilver, m.Grade)
}

func TestReconcileUnknownMember(t *testing.T) {
	f := newFixture(t)
	_, err := f.reconciler.Reconcile(context.Background(), "ghost")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestReconcileAllSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "m-1")
	f.member(t, "m-2")
	f.member(t, "m-3")
	f.order(t, "o-1", "m-1", model.StatusDelivered, 100000)
	f.order(t, "o-2", "m-3", model.StatusDelivered, 300000)

	report, err := f.reconciler.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 2, report.Changed)
	assert.Equal(t, 0, report.Failed)
}

func TestSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "m-1")
	f.order(t, "o-1", "m-1", model.StatusDelivered, 120000)
	_, err := f.points.Grant(ctx, "m-1", 500, "welcome")
	require.NoError(t, err)

	sum, err := f.reconciler.Summary(ctx, "m-1", f.points)
	require.NoError(t, err)
	assert.Equal(t, model.GradeGold, sum.Grade)
	assert.Equal(t, int64(500), sum.Balance)
	require.NotNil(t, sum.NextGrade)
	assert.Equal(t, model.GradeVIP, *sum.NextGrade)
	assert.Equal(t, int64(180000), sum.SpendToNext)
}

func TestGrantValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "m-1")

	_, err := f.points.Grant(ctx, "m-1", 0, "zero")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = f.points.Grant(ctx, "m-1", -10, "negative")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = f.points.Grant(ctx, "m-1", 10, "  ")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = f.points.Grant(ctx, "ghost", 10, "bonus")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	bal, err := f.points.Balance(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)
}

func TestRedeem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "m-1")
	_, err := f.points.Grant(ctx, "m-1", 1000, "bonus")
	require.NoError(t, err)

	_, err = f.points.Redeem(ctx, "m-1", 1500, "checkout", "")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	e, err := f.points.Redeem(ctx, "m-1", 400, "checkout", "redeem:o-9")
	require.NoError(t, err)
	assert.Equal(t, int64(-400), e.Amount)
	_, err = f.points.Redeem(ctx, "m-1", 400, "checkout", "redeem:o-9")
	require.NoError(t, err)

	bal, err := f.points.Balance(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, int64(600), bal)
}

func TestPurchaseRewardIssuedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, "o-1", "m-1", model.StatusPurchaseCompleted, 10000)

	e, created, err := f.rewards.IssuePurchaseReward(ctx, o)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(100), e.Amount)
	assert.Contains(t, e.Reason, "o-1")

	_, created, err = f.rewards.IssuePurchaseReward(ctx, o)
	require.NoError(t, err)
	assert.False(t, created)

	bal, err := f.points.Balance(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)
}

func TestPurchaseRewardConcurrentSingleEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.order(t, "o-1", "m-1", model.StatusPurchaseCompleted, 10000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = f.rewards.IssuePurchaseReward(ctx, o)
		}()
	}
	wg.Wait()

	bal, err := f.points.Balance(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)
}

func TestHistoryPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "m-1")
	for i := 1; i <= 5; i++ {
		_, err := f.points.Grant(ctx, "m-1", int64(i), "grant")
		require.NoError(t, err)
	}
	page, err := f.points.History(ctx, "m-1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, int64(5), page.Items[0].Amount)

	empty, err := f.points.History(ctx, "m-nobody", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, empty.Items)
}

func TestGrantToAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.member(t, "m-1")
	f.member(t, "m-2")
	require.NoError(t, f.st.UpsertMember(ctx, &model.Member{ID: "m-off", Active: false}))

	report, err := f.rewards.GrantToAll(ctx, 300, "spring event", "spring-2026")
	require.NoError(t, err)
	assert.Equal(t, 2, report.SuccessCount)
	assert.Empty(t, report.Failures)

	report, err = f.rewards.GrantToAll(ctx, 300, "spring event", "spring-2026")
	require.NoError(t, err)
	assert.Equal(t, 0, report.SuccessCount)
	assert.Equal(t, 2, report.AlreadyGranted)

	bal, err := f.points.Balance(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), bal)
	bal, err = f.points.Balance(ctx, "m-off")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)
}

func TestGrantToAllCancelled(t *testing.T) {
	f := newFixture(t)
	f.member(t, "m-1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.rewards.GrantToAll(ctx, 10, "event", "")
	assert.Error(t, err)
}
