package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   string
	Err    error
}

type client struct {
	http    *http.Client
	baseURL string
	token   string
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	gatewayToken := flag.String("gateway-token", "", "X-Gateway-Token, when the server requires one")
	memberID := flag.String("member", fmt.Sprintf("loadtest-%d", time.Now().Unix()), "member id used for the run")
	nOrders := flag.Int("orders", 20, "orders to confirm")
	price := flag.Int64("price", 12000, "total price per order")
	rateBP := flag.Int64("rate-bp", 100, "server REWARD_RATE_BP, used to compute the expected balance")

	// 重复确认测试：每个订单并发发起 dup 次确认，同时穿插等级查询
	dup := flag.Int("dup", 10, "concurrent confirms per order")
	concurrency := flag.Int("c", 50, "max concurrency")
	flag.Parse()

	cl := &client{http: &http.Client{Timeout: 5 * time.Second}, baseURL: *baseURL, token: *gatewayToken}
	admin := map[string]string{"X-Role": "admin"}
	member := map[string]string{"X-Role": "member", "X-Member-Id": *memberID}

	if r := cl.retry(http.MethodPost, "/members", map[string]any{"id": *memberID}, admin); r.Status != http.StatusOK {
		fail("register member", r)
	}

	// 1) 准备：建单并由后台推进到 DELIVERED
	ids := make([]string, 0, *nOrders)
	for i := 0; i < *nOrders; i++ {
		body := map[string]any{
			"member_id":   *memberID,
			"total_price": *price,
			"order_items": []map[string]any{{"product_id": "americano", "sale_price": *price, "quantity": 1}},
		}
		r := cl.retry(http.MethodPost, "/orders", body, admin)
		if r.Status != http.StatusOK {
			fail("create order", r)
		}
		var out struct {
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if err := json.Unmarshal([]byte(r.Body), &out); err != nil {
			fail("decode order", Result{Err: err})
		}
		if r := cl.retry(http.MethodPost, "/orders/"+out.Data.ID+"/status", map[string]any{"status": "DELIVERED"}, admin); r.Status != http.StatusOK {
			fail("deliver order", r)
		}
		ids = append(ids, out.Data.ID)
	}
	fmt.Printf("prepared %d delivered orders for member %s\n", len(ids), *memberID)

	// 2) 并发重复确认 + 等级对账
	fmt.Printf("start confirm test: orders=%d dup=%d concurrency=%d\n", len(ids), *dup, *concurrency)
	results := runConfirm(cl, ids, *memberID, member, *dup, *concurrency)
	printSummary("confirm", results)

	// 被限流的订单补一次确认；已确认的会作为同状态请求返回 200。
	for _, id := range ids {
		if r := cl.retry(http.MethodPost, "/orders/"+id+"/status", map[string]any{"status": "PURCHASE_COMPLETED"}, member); r.Status != http.StatusOK {
			fail("confirm "+id, r)
		}
	}

	// 3) 校验：余额必须恰好等于每单一次奖励
	per := (*price**rateBP + 9999) / 10000
	want := per * int64(len(ids))
	got, err := balance(cl, member)
	if err != nil {
		fail("balance", Result{Err: err})
	}
	fmt.Printf("reward per order=%d expected balance=%d actual=%d\n", per, want, got)
	if got != want {
		fmt.Println("FAIL: duplicate or missing purchase rewards")
		os.Exit(1)
	}
	fmt.Println("OK: exactly one reward per order")
}

func runConfirm(cl *client, ids []string, memberID string, headers map[string]string, dup, concurrency int) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, len(ids)*dup)

	for i := range results {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			id := ids[idx%len(ids)]
			if idx%4 == 0 {
				cl.do(http.MethodGet, "/members/"+memberID+"/grade", nil, headers)
			}
			results[idx] = cl.do(http.MethodPost, "/orders/"+id+"/status", map[string]any{"status": "PURCHASE_COMPLETED"}, headers)
		}(i)
	}

	wg.Wait()
	return results
}

func balance(cl *client, headers map[string]string) (int64, error) {
	r := cl.retry(http.MethodGet, "/points/balance", nil, headers)
	if r.Err != nil {
		return 0, r.Err
	}
	if r.Status != http.StatusOK {
		return 0, fmt.Errorf("status=%d body=%s", r.Status, r.Body)
	}
	var out struct {
		Data struct {
			Balance int64 `json:"balance"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(r.Body), &out); err != nil {
		return 0, err
	}
	return out.Data.Balance, nil
}

// retry 遇到 429 时退避重试。
func (cl *client) retry(method, path string, body any, headers map[string]string) Result {
	backoff := 50 * time.Millisecond
	for attempt := 0; ; attempt++ {
		r := cl.do(method, path, body, headers)
		if r.Status != http.StatusTooManyRequests || attempt == 20 {
			return r
		}
		time.Sleep(backoff)
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

func (cl *client) do(method, path string, body any, headers map[string]string) Result {
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, cl.baseURL+path, rd)
	if err != nil {
		return Result{Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cl.token != "" {
		req.Header.Set("X-Gateway-Token", cl.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := cl.http.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: string(b)}
}

// printSummary 聚合输出不同状态码分布。
func printSummary(name string, results []Result) {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 400, 404, 409, 422, 429, 500, 503} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

func fail(step string, r Result) {
	if r.Err != nil {
		fmt.Printf("%s failed: %v\n", step, r.Err)
	} else {
		fmt.Printf("%s failed: status=%d body=%s\n", step, r.Status, r.Body)
	}
	os.Exit(1)
}
