package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PPresence/global"
	mid "PPresence/middleware"
	midsec "PPresence/middleware/security"
	"PPresence/module/relation"
	"PPresence/module/user"
	"PPresence/service/admin"
	"PPresence/service/attention"
	"PPresence/service/breaker"
	"PPresence/service/call"
	"PPresence/service/eventbus"
	"PPresence/service/fanout"
	"PPresence/service/gateway"
	"PPresence/service/history"
	kafkasrv "PPresence/service/kafka"
	"PPresence/service/notify"
	"PPresence/service/prefs"
	"PPresence/service/presence"
	"PPresence/service/ratelimit"
	redissrv "PPresence/service/storage/redis"
	"PPresence/tools/ids"
	"PPresence/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgFriends answers the friend relation from the shared relational store.
type pgFriends struct {
	pool *pgxpool.Pool
}

func (f *pgFriends) IsFriend(ctx context.Context, a, b string) (bool, error) {
	if f.pool == nil {
		return true, nil
	}
	var one int
	err := f.pool.QueryRow(ctx,
		`SELECT 1 FROM friend_relation WHERE user_id = $1 AND friend_id = $2`, a, b).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func main() {
	if err := global.ConfigAll(); err != nil {
		log.Fatalf("redis init failed: %v", err)
	}
	global.ConfigKafka()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := redissrv.GetRedis()
	bus := eventbus.NewBus()

	// presence + calls
	reg := presence.NewManager(presence.Config{GatewayID: global.Conf.GatewayID}, bus)
	reg.SetMirror(presence.NewRedisMirror(rdb, 2*time.Minute))
	calls := call.NewManager(gateway.CallEndNotifier(reg))
	reg.SetCallCleaner(calls)

	// protection layers
	limiter := ratelimit.NewLimiter(rdb, ids.GenerateString)
	brk := breaker.NewBreaker(rdb, breaker.Config{})

	// preferences (pg + redis cache); degraded pg just means defaults apply
	var (
		pool       *pgxpool.Pool
		prefStore  *prefs.Store
		friendsSrc *pgFriends
	)
	if p, err := prefs.Connect(ctx, global.Conf.PostgresDSN); err != nil {
		log.Printf("postgres unavailable, preferences default on: %v", err)
		friendsSrc = &pgFriends{}
	} else {
		pool = p
		prefStore = prefs.New(pool, rdb, 5*time.Minute)
		friendsSrc = &pgFriends{pool: pool}
	}

	// notification history (mongo); delivery-only operation when unreachable
	var (
		histStore notify.HistoryStore
		histDead  notify.DeadLetters
	)
	hist, err := history.Connect(ctx, history.Config{
		URI:      global.Conf.MongoURI,
		Database: global.Conf.MongoDatabase,
	})
	if err != nil {
		log.Printf("mongo unavailable, notification history disabled: %v", err)
		hist = nil
	} else {
		histStore, histDead = hist, hist
	}

	// kafka lanes
	if err := kafkasrv.Init(kafkasrv.Cfg); err != nil {
		log.Printf("kafka unavailable, notifications degrade to direct delivery: %v", err)
	}
	broker := notify.KafkaLanes{}

	pending := notify.NewRetryStore(rdb, 5*time.Second)
	templates := notify.NewTemplates()

	var prefCheck notify.PrefChecker
	if prefStore != nil {
		prefCheck = prefStore
	}

	consumer := notify.NewConsumer(reg, histStore, histDead, broker, pending, brk, notify.ConsumerConfig{})
	if kafkasrv.Ready() {
		if err := consumer.RegisterLanes(ctx); err != nil {
			log.Fatalf("lane consumers failed: %v", err)
		}
	}
	pending.StartSweeper(ctx, 10*time.Second, consumer.Process)

	producer := notify.NewProducer(prefCheck, broker, consumer.DeliverDirect)

	attn := attention.NewStore(rdb, bus)
	adapter := notify.NewEventAdapter(producer, attn, templates)
	adapter.Bind(bus)

	// cross-node presence fanout
	jwtOpts := security.DefaultOptions(global.GetJwtSecret())
	gw := gateway.NewServer(reg, calls, adapter, limiter, friendsSrc, gateway.Config{JWT: jwtOpts})
	gw.BindBus(bus)

	fo, err := fanout.Connect(fanout.Config{
		Servers:   global.Conf.NatsServers,
		Name:      global.Conf.GatewayID,
		GatewayID: global.Conf.GatewayID,
	})
	if err != nil {
		log.Printf("nats unavailable, presence stays node-local: %v", err)
	} else {
		fo.Bind(bus)
		if err := fo.Subscribe(gw.OnRemote); err != nil {
			log.Printf("fanout subscribe failed: %v", err)
		}
	}

	// HTTP + WebSocket
	r := gin.New()
	r.Use(gin.Recovery())

	gw.Register(r)

	authOpts := midsec.DefaultOptions(jwtOpts)
	mid.POST(r, "/login", user.HandlerLogin, mid.RouteOpt{IsAuth: false})
	mid.POST(r, "/check", user.HandlerCheck, mid.RouteOpt{IsAuth: true, Auth: authOpts})

	rel := relation.NewHandler(attn, limiter, hist, prefStore)
	mid.POST(r, "/notify/prefs", rel.HandlerSetPref, mid.RouteOpt{IsAuth: true, Auth: authOpts})
	mid.POST(r, "/attention/add", rel.HandlerAdd, mid.RouteOpt{IsAuth: true, Auth: authOpts})
	mid.POST(r, "/attention/remove", rel.HandlerRemove, mid.RouteOpt{IsAuth: true, Auth: authOpts})
	mid.GET(r, "/attention/list", rel.HandlerList, mid.RouteOpt{IsAuth: true, Auth: authOpts})
	mid.GET(r, "/notify/history", rel.HandlerHistory, mid.RouteOpt{IsAuth: true, Auth: authOpts})

	adm := admin.NewHandler(reg, calls, brk, pending, templates)
	adm.AddProbe("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	adm.AddProbe("kafka", func(context.Context) error {
		if !kafkasrv.Ready() {
			return errors.New("producer not ready")
		}
		return nil
	})
	if hist != nil {
		adm.AddProbe("mongo", hist.Ping)
	} else {
		adm.AddProbe("mongo", func(context.Context) error { return errors.New("history store disabled") })
	}
	adm.Register(r, authOpts)

	go func() {
		log.Printf("[HTTP] listening on %s", global.Conf.Port)
		if err := r.Run(global.Conf.Port); err != nil {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	reg.Close()
	bus.Close()
	if fo != nil {
		fo.Close()
	}
	kafkasrv.Close()
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	if hist != nil {
		_ = hist.Close(shutCtx)
	}
	if pool != nil {
		pool.Close()
	}
	_ = redissrv.CloseRedis()
}
