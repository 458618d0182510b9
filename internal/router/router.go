package router

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"coffee_core/internal/apperr"
	"coffee_core/internal/bulk"
	"coffee_core/internal/config"
	"coffee_core/internal/loyalty"
	"coffee_core/internal/metrics"
	"coffee_core/internal/middleware"
	"coffee_core/internal/model"
	"coffee_core/internal/order"
	"coffee_core/internal/store"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deps 路由依赖的服务。Redis 为 nil 时不启用限流。
type Deps struct {
	Store      *store.Store
	Engine     *order.Engine
	Bulk       *bulk.Coordinator
	Points     *loyalty.Points
	Rewards    *loyalty.RewardIssuer
	Reconciler *loyalty.Reconciler
	Redis      *rd.Client
	Config     config.AppConfig
	Log        *zap.Logger
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	r.Use(middleware.AccessLog(d.Log))

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/", middleware.Identity(d.Config.GatewayToken))
	admin := middleware.RequireAdmin()
	limit := func(c *gin.Context) { c.Next() }
	if d.Redis != nil {
		limit = middleware.RedisRateLimit(d.Redis, d.Config.MemberRateLimit, d.Config.MemberRateWindow)
	}

	// Orders
	api.POST("/orders", limit, createOrder(d))
	api.GET("/orders", admin, listOrders(d))
	api.GET("/orders/:id", getOrder(d))
	api.POST("/orders/:id/status", limit, changeStatus(d))
	api.POST("/orders/:id", admin, editOrder(d))
	api.DELETE("/orders/:id", admin, deleteOrder(d))
	api.POST("/orders/bulk/status", limit, bulkStatus(d))
	api.POST("/orders/bulk/edit", admin, bulkEdit(d))

	// Points
	api.POST("/points/grant", admin, grantPoints(d))
	api.POST("/points/grant-all", admin, grantAll(d))
	api.GET("/points/balance", pointBalance(d))
	api.GET("/points/history", pointHistory(d))

	// Members
	api.POST("/members", admin, upsertMember(d))
	api.GET("/members/:id/grade", memberGrade(d))
	api.GET("/members/:id/summary", memberSummary(d))
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": data})
}

// fail 统一错误响应：HTTP 状态与错误种类一一对应。
func fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	_ = c.Error(err)
	c.JSON(status, gin.H{"code": status, "kind": kind, "msg": apperr.Message(err)})
}

func badRequest(c *gin.Context, err error) {
	fail(c, apperr.Validation("%s", err.Error()))
}

func actorOf(c *gin.Context) model.Actor {
	actor, _ := middleware.ActorFrom(c)
	return actor
}

// scopeMember 会员只能查看自己的数据；后台必须指定会员。
func scopeMember(actor model.Actor, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if actor.IsAdmin() {
		if requested == "" {
			return "", apperr.Validation("memberId is required")
		}
		return requested, nil
	}
	if requested != "" && requested != actor.MemberID {
		return "", apperr.NotFound("member %s not found", requested)
	}
	return actor.MemberID, nil
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.Validation("%s must be an integer", key)
	}
	return n, nil
}

type itemReq struct {
	ProductID string  `json:"product_id" binding:"required"`
	OptionID  *string `json:"option_id"`
	SalePrice int64   `json:"sale_price" binding:"min=0"`
	Quantity  int     `json:"quantity" binding:"required,min=1"`
}

// createOrder 结账方建单。会员只能为自己建单。
func createOrder(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ID         string    `json:"id"`
			MemberID   string    `json:"member_id"`
			TotalPrice int64     `json:"total_price" binding:"min=0"`
			UsedPoint  int64     `json:"used_point" binding:"min=0"`
			Items      []itemReq `json:"order_items" binding:"required,min=1,dive"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		memberID, err := scopeMember(actorOf(c), req.MemberID)
		if err != nil {
			fail(c, err)
			return
		}
		o := &model.Order{
			ID:         req.ID,
			MemberID:   memberID,
			TotalPrice: req.TotalPrice,
			UsedPoint:  req.UsedPoint,
		}
		for _, it := range req.Items {
			o.Items = append(o.Items, model.OrderItem{
				ProductID: it.ProductID,
				OptionID:  it.OptionID,
				SalePrice: it.SalePrice,
				Quantity:  it.Quantity,
			})
		}
		created, err := d.Engine.Create(c.Request.Context(), o)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, created)
	}
}

// listOrders 后台订单列表，支持 memberId / status 过滤与分页。
func listOrders(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var f store.OrderFilter
		f.MemberID = strings.TrimSpace(c.Query("memberId"))
		if s := c.Query("status"); s != "" {
			st, err := model.ParseOrderStatus(s)
			if err != nil {
				badRequest(c, err)
				return
			}
			f.Status = st
		}
		page, err := queryInt(c, "page", 1)
		if err != nil {
			fail(c, err)
			return
		}
		limit, err := queryInt(c, "limit", 20)
		if err != nil {
			fail(c, err)
			return
		}
		list, total, err := d.Store.ListOrders(c.Request.Context(), f, page, limit)
		if err != nil {
			fail(c, err)
			return
		}
		if list == nil {
			list = []model.Order{}
		}
		ok(c, gin.H{"items": list, "total": total, "page": page, "limit": limit})
	}
}

func getOrder(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := d.Engine.Get(c.Request.Context(), c.Param("id"), actorOf(c))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, o)
	}
}

// changeStatus 单个订单状态变更。
func changeStatus(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Status string `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		target, err := model.ParseOrderStatus(req.Status)
		if err != nil {
			badRequest(c, err)
			return
		}
		res, err := d.Engine.Transition(c.Request.Context(), c.Param("id"), target, actorOf(c))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, res)
	}
}

type editReq struct {
	Items []model.ItemEdit `json:"order_items" binding:"required,min=1,dive"`
}

// editOrder 后台更正订单行单价与数量。
func editOrder(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req editReq
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		o, err := d.Engine.EditItems(c.Request.Context(), c.Param("id"), req.Items, actorOf(c))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, o)
	}
}

func deleteOrder(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := d.Engine.Delete(c.Request.Context(), c.Param("id"), actorOf(c)); err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"deleted": c.Param("id")})
	}
}

type bulkOpts struct {
	Strict  bool `json:"strict"`
	Workers int  `json:"workers" binding:"min=0,max=32"`
}

// bulkStatus 批量改状态；逐个订单套用与单个接口相同的守卫。
func bulkStatus(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			IDs    []string `json:"order_ids" binding:"required,min=1,max=500"`
			Status string   `json:"status" binding:"required"`
			bulkOpts
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		target, err := model.ParseOrderStatus(req.Status)
		if err != nil {
			badRequest(c, err)
			return
		}
		op := bulk.StatusOperation{Target: target, Actor: actorOf(c)}
		report, err := d.Bulk.Apply(c.Request.Context(), req.IDs, op, bulk.Options{Strict: req.Strict, Workers: req.Workers})
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, report)
	}
}

// bulkEdit 后台批量改价。
func bulkEdit(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Orders []struct {
				OrderID string           `json:"order_id" binding:"required"`
				Items   []model.ItemEdit `json:"order_items" binding:"required,min=1,dive"`
			} `json:"orders" binding:"required,min=1,max=500,dive"`
			bulkOpts
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		op := bulk.EditOperation{Edits: make(map[string][]model.ItemEdit, len(req.Orders)), Actor: actorOf(c)}
		ids := make([]string, 0, len(req.Orders))
		for _, o := range req.Orders {
			if _, dup := op.Edits[o.OrderID]; dup {
				badRequest(c, errors.New("order "+o.OrderID+" listed twice"))
				return
			}
			op.Edits[o.OrderID] = o.Items
			ids = append(ids, o.OrderID)
		}
		report, err := d.Bulk.Apply(c.Request.Context(), ids, op, bulk.Options{Strict: req.Strict, Workers: req.Workers})
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, report)
	}
}

// grantPoints 后台给单个会员发放积分。
func grantPoints(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			MemberID string `json:"member_id" binding:"required"`
			Amount   int64  `json:"amount"`
			Reason   string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		entry, err := d.Points.Grant(c.Request.Context(), req.MemberID, req.Amount, req.Reason)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, entry)
	}
}

// grantAll 给全部活跃会员发放积分。带 campaign_id 时重复调用不会重复发放。
func grantAll(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Amount     int64  `json:"amount"`
			Reason     string `json:"reason" binding:"required"`
			CampaignID string `json:"campaign_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		report, err := d.Rewards.GrantToAll(c.Request.Context(), req.Amount, req.Reason, req.CampaignID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, report)
	}
}

func pointBalance(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		memberID, err := scopeMember(actorOf(c), c.Query("memberId"))
		if err != nil {
			fail(c, err)
			return
		}
		bal, err := d.Points.Balance(c.Request.Context(), memberID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"member_id": memberID, "balance": bal})
	}
}

func pointHistory(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		memberID, err := scopeMember(actorOf(c), c.Query("memberId"))
		if err != nil {
			fail(c, err)
			return
		}
		page, err := queryInt(c, "page", 1)
		if err != nil {
			fail(c, err)
			return
		}
		limit, err := queryInt(c, "limit", 20)
		if err != nil {
			fail(c, err)
			return
		}
		hist, err := d.Points.History(c.Request.Context(), memberID, page, limit)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, hist)
	}
}

// upsertMember 后台登记会员或修改 active；等级只能由对账写入。
func upsertMember(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ID     string `json:"id" binding:"required"`
			Active *bool  `json:"active"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		m := &model.Member{ID: strings.TrimSpace(req.ID), Grade: model.GradeSilver, Active: true}
		if req.Active != nil {
			m.Active = *req.Active
		}
		if err := d.Store.UpsertMember(c.Request.Context(), m); err != nil {
			fail(c, err)
			return
		}
		saved, err := d.Store.GetMember(c.Request.Context(), m.ID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, saved)
	}
}

// memberGrade 先对账再返回等级，保证读到的是由有效消费推导出的结果。
func memberGrade(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		memberID, err := scopeMember(actorOf(c), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		res, err := d.Reconciler.Reconcile(c.Request.Context(), memberID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, res)
	}
}

func memberSummary(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		memberID, err := scopeMember(actorOf(c), c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		sum, err := d.Reconciler.Summary(c.Request.Context(), memberID, d.Points)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, sum)
	}
}
