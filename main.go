package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/clinicdesk/backend/audit"
	"github.com/clinicdesk/backend/cache"
	"github.com/clinicdesk/backend/config"
	"github.com/clinicdesk/backend/feed"
	"github.com/clinicdesk/backend/handlers"
	"github.com/clinicdesk/backend/middleware"
	"github.com/clinicdesk/backend/models"
	"github.com/clinicdesk/backend/notify"
	"github.com/clinicdesk/backend/push"
	"github.com/clinicdesk/backend/reminder"
	appsync "github.com/clinicdesk/backend/sync"
	"github.com/clinicdesk/backend/utils"
)

type App struct {
	Fiber       *fiber.App
	Postgres    *pgxpool.Pool
	Redis       *redis.Client
	Mongo       *mongo.Client
	MinioClient *minio.Client
	Ctx         context.Context
	Config      *config.Config
	Logger      *zap.Logger

	Feed         *feed.RedisFeed
	SyncManager  *appsync.Manager
	Notify       *notify.Service
	Toaster      *notify.Toaster
	PushStore    *push.Store
	AuditLog     *audit.Logger
	StreamTokens *utils.StreamTokenGenerator
}

func NewApp() (*App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %v", err)
	}

	ctx := context.Background()

	var logger *zap.Logger
	if cfg.IsDevelopment() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %v", err)
	}

	// Setup PostgreSQL connection with retry logic
	var pgPool *pgxpool.Pool
	maxRetries := 5

	poolConfig, err := pgxpool.ParseConfig(cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse pool config: %v", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	for i := 0; i < maxRetries; i++ {
		pgPool, err = pgxpool.NewWithConfig(ctx, poolConfig)
		if err == nil {
			if err = pgPool.Ping(ctx); err == nil {
				break
			}
			pgPool.Close()
		}
		logger.Warn("failed to connect to postgres, retrying...",
			zap.Error(err),
			zap.Int("attempt", i+1))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return nil, fmt.Errorf("postgres connection failed after %d attempts: %v", maxRetries, err)
	}

	// Setup Redis connection with retry logic
	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis URL parsing failed: %v", err)
	}

	redisClient := redis.NewClient(redisOpt)
	for i := 0; i < maxRetries; i++ {
		_, err = redisClient.Ping(ctx).Result()
		if err == nil {
			break
		}
		logger.Warn("failed to connect to redis, retrying...",
			zap.Error(err),
			zap.Int("attempt", i+1))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return nil, fmt.Errorf("redis connection failed after %d attempts: %v", maxRetries, err)
	}

	// MongoDB holds the audit trail; the application runs without it.
	var mongoClient *mongo.Client
	var auditLog *audit.Logger
	if cfg.MongoDBURL != "" {
		mongoClient, err = mongo.Connect(ctx, mongooptions.Client().ApplyURI(cfg.MongoDBURL))
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = mongoClient.Ping(pingCtx, nil)
			cancel()
		}
		if err != nil {
			logger.Warn("mongodb unavailable, audit trail disabled", zap.Error(err))
			mongoClient = nil
		} else {
			auditLog = audit.NewLogger(mongoClient, "clinicdesk", logger)
		}
	}

	// Setup MinIO connection with retry logic
	var minioClient *minio.Client
	if cfg.MinioEndpoint != "" {
		for i := 0; i < maxRetries; i++ {
			minioClient, err = minio.New(cfg.MinioEndpoint, &minio.Options{
				Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
				Secure: cfg.IsProduction(),
			})
			if err != nil {
				logger.Warn("failed to create minio client, retrying...",
					zap.Error(err),
					zap.Int("attempt", i+1))
				time.Sleep(time.Second * time.Duration(i+1))
				continue
			}
			break
		}
		if err != nil {
			return nil, fmt.Errorf("minio connection failed after %d attempts: %v", maxRetries, err)
		}

		// Ensure required buckets exist
		for _, bucket := range []string{"profile-pics"} {
			exists, err := minioClient.BucketExists(ctx, bucket)
			if err != nil {
				logger.Error("failed to check bucket existence",
					zap.String("bucket", bucket),
					zap.Error(err))
				continue
			}
			if exists {
				logger.Info("bucket verified", zap.String("bucket", bucket))
				continue
			}
			err = minioClient.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
			if err != nil && !strings.Contains(err.Error(), "already exists") {
				logger.Error("failed to create bucket",
					zap.String("bucket", bucket),
					zap.Error(err))
			} else {
				logger.Info("bucket created", zap.String("bucket", bucket))
			}
		}
	}

	// Notification stack. Permission is decided by whether the caller's
	// organization has any registered push endpoint; delivery goes out over
	// Web Push. Both are constructed here, up front.
	pushStore := push.NewStore(pgPool)
	pushSender := push.NewSender(pushStore, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubject, logger)

	notifyService := notify.NewService(
		func(ctx context.Context) (bool, error) {
			// Granted as soon as any organization registered an endpoint;
			// per-delivery targeting is by the notification's own org.
			var exists bool
			err := pgPool.QueryRow(ctx,
				"SELECT EXISTS(SELECT 1 FROM push_subscriptions)").Scan(&exists)
			return exists, err
		},
		pushSender.Deliver,
		logger,
	)
	toaster := notify.NewToaster(notifyService, nil)

	// Change feed and the shared per-organization sync layer.
	redisFeed := feed.NewRedisFeed(redisClient, logger)
	syncManager := appsync.NewManager(
		redisFeed,
		func(ctx context.Context, orgID string) ([]models.Appointment, error) {
			return handlers.LoadAppointmentsByOrg(ctx, pgPool, orgID)
		},
		logger,
		appsync.Options{
			Notify:      true,
			Toasts:      toaster,
			MaxAttempts: cfg.SyncMaxAttempts,
		},
	)

	// Each live syncer gets a reminder scheduler that rebuilds its timer set
	// whenever the mirrored list changes.
	syncManager.SetAttach(func(orgID string, s *appsync.Syncer) func() {
		scheduler := reminder.NewScheduler(func(a models.Appointment, label reminder.Label) {
			toaster.Info(fmt.Sprintf("Reminder (%s): appointment at %s", label, a.StartTime.Local().Format("15:04")))
			if _, err := notifyService.Show(context.Background(), notify.ReminderNotification(a, string(label))); err != nil {
				logger.Debug("reminder notification not shown", zap.Error(err))
			}
		}, logger)

		scheduler.Reschedule(s.Appointments(appsync.FilterAll))

		events, unsubscribe := s.Subscribe()
		quit := make(chan struct{})
		go func() {
			for {
				select {
				case <-events:
					scheduler.Reschedule(s.Appointments(appsync.FilterAll))
				case <-quit:
					return
				}
			}
		}()

		return func() {
			unsubscribe()
			close(quit)
			scheduler.Stop()
		}
	})

	streamTokens := utils.NewStreamTokenGenerator(redisClient, cfg.JwtSecret, 5*time.Minute)

	fiberApp := fiber.New(fiber.Config{
		ErrorHandler: handlers.ErrorHandler(logger),
		ReadTimeout:  time.Second * 10,
		// Write timeout stays unset; the event stream holds responses open.
	})

	fiberApp.Use(middleware.RecoveryMiddleware(logger))

	fiberApp.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowCredentials: true,
		ExposeHeaders:    "Set-Cookie",
		MaxAge:           300,
	}))

	// Request logging middleware
	fiberApp.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		duration := time.Since(start)

		logger.Info("request completed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.String("ip", c.IP()),
			zap.Duration("duration", duration),
			zap.Int("status", c.Response().StatusCode()),
		)
		return err
	})

	return &App{
		Fiber:        fiberApp,
		Postgres:     pgPool,
		Redis:        redisClient,
		Mongo:        mongoClient,
		MinioClient:  minioClient,
		Ctx:          ctx,
		Config:       cfg,
		Logger:       logger,
		Feed:         redisFeed,
		SyncManager:  syncManager,
		Notify:       notifyService,
		Toaster:      toaster,
		PushStore:    pushStore,
		AuditLog:     auditLog,
		StreamTokens: streamTokens,
	}, nil
}

func (a *App) setupRoutes() error {
	authMiddleware, err := middleware.NewAuthMiddleware(middleware.AuthMiddlewareConfig{
		Logger:     a.Logger,
		Redis:      a.Redis,
		JWKSURL:    a.Config.WorkOSJWKSURL,
		CookieName: "session",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize auth middleware: %v", err)
	}

	authHandler := handlers.NewAuthHandler(a.Config, a.Logger, a.Redis, a.Postgres, a.StreamTokens)
	webhookHandler := handlers.NewWorkOSWebhookHandler(a.Config, a.Logger, a.Postgres)
	appointmentHandler := handlers.NewAppointmentHandler(a.Config, a.Logger, a.Postgres, a.Feed, a.AuditLog)
	doctorHandler := handlers.NewDoctorHandler(a.Config, a.Logger, a.Postgres)
	patientHandler := handlers.NewPatientHandler(a.Config, a.Logger, a.Postgres, cache.NewCache(a.Redis, "patient:"))
	orgHandler := handlers.NewOrganizationHandler(a.Config, a.Logger, a.Postgres)
	pushHandler := handlers.NewPushHandler(a.Config, a.Logger, a.PushStore, a.Notify)
	streamHandler := handlers.NewStreamHandler(a.Config, a.Logger, a.SyncManager, a.Toaster, a.StreamTokens)

	// Auth routes; no middleware on login/callback
	auth := a.Fiber.Group("/auth")
	auth.Get("/login", authHandler.Login)
	auth.Get("/callback", authHandler.Callback)
	auth.Post("/callback", authHandler.Callback)
	auth.Post("/logout", authMiddleware.Handler(), authHandler.Logout)
	auth.Get("/validate", authMiddleware.Handler(), authHandler.Validate)
	auth.Post("/stream-token", authMiddleware.Handler(), authHandler.CreateStreamToken)

	// Webhooks authenticate by signature, not session
	a.Fiber.Post("/webhooks/workos", webhookHandler.HandleWorkOSWebhook)

	a.Fiber.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// The event stream authenticates by query token; registered before the
	// session-guarded group so it matches first.
	a.Fiber.Get("/api/appointments/stream", streamHandler.Stream)

	api := a.Fiber.Group("/api", authMiddleware.Handler())

	appointments := api.Group("/appointments")
	appointments.Post("/", appointmentHandler.CreateAppointment)
	appointments.Get("/", appointmentHandler.GetAppointments)
	appointments.Get("/activity", appointmentHandler.GetAppointmentActivity)
	appointments.Get("/:id", appointmentHandler.GetAppointment)
	appointments.Put("/:id", appointmentHandler.UpdateAppointment)
	appointments.Delete("/:id", appointmentHandler.DeleteAppointment)

	doctors := api.Group("/doctors")
	doctors.Post("/", doctorHandler.CreateDoctor)
	doctors.Get("/", doctorHandler.GetDoctors)
	doctors.Get("/:id", doctorHandler.GetDoctor)
	doctors.Put("/:id", doctorHandler.UpdateDoctor)
	doctors.Delete("/:id", doctorHandler.DeleteDoctor)

	patients := api.Group("/patients")
	patients.Post("/", patientHandler.CreatePatient)
	patients.Get("/", patientHandler.GetPatients)
	patients.Get("/search", patientHandler.SearchPatient)
	patients.Get("/:id", patientHandler.GetPatient)
	patients.Put("/:id", patientHandler.UpdatePatient)
	patients.Delete("/:id", patientHandler.DeletePatient)

	org := api.Group("/organization")
	org.Get("/", orgHandler.GetOrganization)
	org.Put("/", orgHandler.UpdateOrganization)

	pushGroup := api.Group("/push")
	pushGroup.Get("/vapid-public-key", pushHandler.GetVAPIDPublicKey)
	pushGroup.Get("/permission", pushHandler.GetPermission)
	pushGroup.Post("/subscriptions", pushHandler.Subscribe)
	pushGroup.Get("/subscriptions", pushHandler.ListSubscriptions)
	pushGroup.Delete("/subscriptions/:id", pushHandler.Unsubscribe)

	feedGroup := api.Group("/feed")
	feedGroup.Get("/status", streamHandler.Status)
	feedGroup.Post("/refresh", streamHandler.Refresh)

	if a.MinioClient != nil {
		mediaHandler := handlers.NewMediaHandler(a.Config, a.Logger, a.Postgres, a.MinioClient)
		media := api.Group("/media")
		media.Post("/:subject/:id/profile-pic", mediaHandler.UploadProfilePic)
		media.Get("/:subject/:id/profile-pic", mediaHandler.GetProfilePic)
	}

	return nil
}

func (a *App) Start() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := a.setupRoutes(); err != nil {
		return fmt.Errorf("failed to setup routes: %v", err)
	}

	go func() {
		if err := a.Fiber.Listen(":" + a.Config.ServerPort); err != nil {
			a.Logger.Fatal("failed to start server",
				zap.Error(err),
				zap.String("port", a.Config.ServerPort))
		}
	}()

	a.Logger.Info("server started",
		zap.String("port", a.Config.ServerPort))

	<-sigChan
	a.Logger.Info("shutting down server...")

	if err := a.Fiber.Shutdown(); err != nil {
		a.Logger.Error("error during server shutdown", zap.Error(err))
	}

	a.SyncManager.Close()
	a.Postgres.Close()
	if err := a.Redis.Close(); err != nil {
		a.Logger.Error("error closing redis connection", zap.Error(err))
	}
	if a.Mongo != nil {
		if err := a.Mongo.Disconnect(a.Ctx); err != nil {
			a.Logger.Error("error closing mongodb connection", zap.Error(err))
		}
	}
	if err := a.Logger.Sync(); err != nil {
		log.Printf("error syncing logger: %v", err)
	}

	return nil
}

func main() {
	app, err := NewApp()
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	if err := app.Start(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}
