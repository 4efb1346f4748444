package repo_test

import (
	"testing"
	"time"

	"gorm.io/gorm"

	"cdpcap/internal/storage/db"
	"cdpcap/internal/storage/model"
	"cdpcap/internal/storage/repo"
	"cdpcap/pkg/traffic"
)

// newTestDB 创建内存数据库并完成迁移
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.New(db.Options{FullPath: ":memory:"})
	if err != nil {
		t.Fatalf("创建内存数据库失败: %v", err)
	}
	if err := db.Migrate(gdb, &model.SessionRecord{}, &model.ExchangeRecord{}); err != nil {
		t.Fatalf("数据库迁移失败: %v", err)
	}
	return gdb
}

func TestSessionRepo_SaveAndGet(t *testing.T) {
	r := repo.NewSessionRepo(newTestDB(t))

	rec := &model.SessionRecord{
		RunID:         "run-1",
		Name:          "登录流程",
		FilePath:      "/tmp/run-1.json",
		MessageCount:  10,
		ResponseCount: 8,
		CreatedAt:     time.Now(),
	}
	if err := r.Save(rec); err != nil {
		t.Fatalf("保存会话失败: %v", err)
	}

	got, err := r.GetByRunID("run-1")
	if err != nil {
		t.Fatalf("查询会话失败: %v", err)
	}
	if got.Name != "登录流程" || got.MessageCount != 10 {
		t.Errorf("查询结果不匹配: %+v", got)
	}

	// 同一 RunID 重复保存是更新而非新增
	rec2 := &model.SessionRecord{RunID: "run-1", Name: "登录流程", FilePath: "/tmp/run-1.json", MessageCount: 12, ResponseCount: 9}
	if err := r.Save(rec2); err != nil {
		t.Fatalf("更新会话失败: %v", err)
	}
	list, err := r.List(0)
	if err != nil {
		t.Fatalf("列出会话失败: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("重复保存不应产生新行: %d", len(list))
	}
	if list[0].MessageCount != 12 {
		t.Errorf("更新未生效: %+v", list[0])
	}
}

func TestSessionRepo_Delete(t *testing.T) {
	gdb := newTestDB(t)
	sessions := repo.NewSessionRepo(gdb)
	exchanges := repo.NewExchangeRepo(gdb, repo.ExchangeRepoOptions{BatchSize: 1, FlushInterval: 10 * time.Millisecond})
	defer exchanges.Stop()

	if err := sessions.Save(&model.SessionRecord{RunID: "run-1", Name: "a"}); err != nil {
		t.Fatalf("保存会话失败: %v", err)
	}
	exchanges.Record("run-1", &traffic.Message{
		Request: &traffic.RequestData{Method: "GET", URL: "https://example.com"},
	})
	exchanges.Stop()

	if err := sessions.DeleteByRunID("run-1"); err != nil {
		t.Fatalf("删除会话失败: %v", err)
	}
	if _, err := sessions.GetByRunID("run-1"); err == nil {
		t.Error("删除后不应再查到会话")
	}
	recs, total, err := exchanges.Query(repo.QueryOptions{RunID: "run-1"})
	if err != nil {
		t.Fatalf("查询摘要失败: %v", err)
	}
	if total != 0 || len(recs) != 0 {
		t.Errorf("删除会话应级联清理摘要: total=%d", total)
	}
}

func TestExchangeRepo_RecordAndQuery(t *testing.T) {
	r := repo.NewExchangeRepo(newTestDB(t), repo.ExchangeRepoOptions{BatchSize: 2, FlushInterval: 10 * time.Millisecond})

	resp := &traffic.ResponseData{
		URL:     "https://example.com/",
		Status:  200,
		Headers: map[string]string{"Content-Type": "text/html"},
	}
	r.Record("run-1", &traffic.Message{
		Request:  &traffic.RequestData{Method: "GET", URL: "https://example.com/"},
		Response: resp,
	})

	failResp := &traffic.ResponseData{URL: "https://example.com/x", Status: 500}
	failResp.SetBodyError("net::ERR_FAILED")
	r.Record("run-1", &traffic.Message{
		Request:  &traffic.RequestData{Method: "POST", URL: "https://example.com/x"},
		Response: failResp,
	})

	// 无响应的消息也有摘要行
	r.Record("run-2", &traffic.Message{
		Request: &traffic.RequestData{Method: "GET", URL: "https://example.com/y"},
	})

	// 等异步写入落库
	r.Stop()

	recs, total, err := r.Query(repo.QueryOptions{RunID: "run-1"})
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if total != 2 || len(recs) != 2 {
		t.Fatalf("run-1 摘要数量不匹配: total=%d len=%d", total, len(recs))
	}

	recs, _, err = r.Query(repo.QueryOptions{RunID: "run-1", Method: "POST"})
	if err != nil {
		t.Fatalf("条件查询失败: %v", err)
	}
	if len(recs) != 1 || recs[0].BodyError != "net::ERR_FAILED" {
		t.Errorf("POST 摘要不匹配: %+v", recs)
	}

	recs, _, err = r.Query(repo.QueryOptions{RunID: "run-2"})
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(recs) != 1 || recs[0].StatusCode != 0 {
		t.Errorf("无响应消息摘要应记录状态码 0: %+v", recs)
	}
}

func TestExchangeRepo_CleanupOldExchanges(t *testing.T) {
	gdb := newTestDB(t)
	r := repo.NewExchangeRepo(gdb, repo.ExchangeRepoOptions{})
	defer r.Stop()

	old := model.ExchangeRecord{
		RunID:     "run-old",
		URL:       "https://example.com/stale",
		Method:    "GET",
		Timestamp: time.Now().AddDate(0, 0, -30).UnixMilli(),
		CreatedAt: time.Now().AddDate(0, 0, -30),
	}
	recent := model.ExchangeRecord{
		RunID:     "run-new",
		URL:       "https://example.com/fresh",
		Method:    "GET",
		Timestamp: time.Now().UnixMilli(),
		CreatedAt: time.Now(),
	}
	if err := gdb.Create(&old).Error; err != nil {
		t.Fatalf("写入旧摘要失败: %v", err)
	}
	if err := gdb.Create(&recent).Error; err != nil {
		t.Fatalf("写入新摘要失败: %v", err)
	}

	removed, err := r.CleanupOldExchanges(7)
	if err != nil {
		t.Fatalf("清理失败: %v", err)
	}
	if removed != 1 {
		t.Errorf("应清理 1 条旧摘要, 实际清理 %d", removed)
	}

	if _, total, err := r.Query(repo.QueryOptions{RunID: "run-old"}); err != nil || total != 0 {
		t.Errorf("保留期外的摘要应被清理: total=%d err=%v", total, err)
	}
	if _, total, err := r.Query(repo.QueryOptions{RunID: "run-new"}); err != nil || total != 1 {
		t.Errorf("保留期内的摘要不应被清理: total=%d err=%v", total, err)
	}

	// 非法保留天数退化为默认 7 天
	if _, err := r.CleanupOldExchanges(0); err != nil {
		t.Errorf("默认保留天数清理失败: %v", err)
	}
}

func TestExchangeRepo_StopIdempotent(t *testing.T) {
	r := repo.NewExchangeRepo(newTestDB(t), repo.ExchangeRepoOptions{})
	r.Stop()
	r.Stop()
}
