package core

import (
	"fmt"
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	Config struct {
		Env       string
		WorkDir   string
		Debug     bool
		TestMode  bool
		AppName   string
		Build     string
		SecretKey string
		LogLevel  string

		DefaultFromEmail mail.Address
		RollbarToken     string
		SendgridApiKey   string

		School      SchoolConfig
		Credentials CredentialsConfig
		Server      ServerConfig
		Database    DatabaseConfig
		Redis       RedisConfig
		Ledger      LedgerConfig
		Vision      VisionConfig
	}

	// SchoolConfig identifies the tenant this deployment serves.
	SchoolConfig struct {
		ID   string
		Name string
	}

	CredentialsConfig struct {
		EmailDomain       string
		DefaultSchoolCode string
		SuffixLen         int
	}

	ServerConfig struct {
		Host                      string
		Address                   string
		DebugHost                 string
		ShutdownTimeout           time.Duration
		JWTExpirationDelta        time.Duration
		JWTRefreshExpirationDelta time.Duration
	}

	DatabaseConfig struct {
		Engine        string
		Host          string
		Port          string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
	}

	RedisConfig struct {
		Addr     string
		Password string
		DB       int
	}

	// LedgerConfig selects where activation tokens and the subscription record live.
	LedgerConfig struct {
		Backend       string // memory | postgres | redis
		TxAttempts    int
		RedeemRetries uint
	}

	// VisionConfig enables reading class lists from photos. Without a credentials file the
	// application default credentials are used.
	VisionConfig struct {
		Enabled         bool
		CredentialsFile string
	}
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

func (dbc DatabaseConfig) Address() string {
	return net.JoinHostPort(dbc.Host, dbc.Port)
}

func NewConfig() *Config {
	conf := viper.New()

	// defaults
	conf.SetTypeByDefaultValue(true)
	conf.SetDefault("debug", true)
	conf.SetDefault("testMode", false)
	conf.SetDefault("appName", "Shule")
	conf.SetDefault("build", "develop")
	conf.SetDefault("secretKey", "k2n@b7wz-q4!x8v(ue#r$0t^p5l)3gsm&yh9c1f*dj6oi+a")
	conf.SetDefault("logLevel", "debug")
	conf.SetDefault("defaultFromEmail", "Shule <noreply@localhost>")
	conf.SetDefault("rollbarToken", "")
	conf.SetDefault("sendgridApiKey", "")

	conf.SetDefault("schoolId", "default")
	conf.SetDefault("schoolName", "")

	conf.SetDefault("credentialsEmailDomain", "shule.app")
	conf.SetDefault("credentialsDefaultSchoolCode", "sc")
	conf.SetDefault("credentialsSuffixLen", 4)

	conf.SetDefault("serverHost", "localhost")
	conf.SetDefault("serverAddress", ":8000")
	conf.SetDefault("serverDebugHost", ":4000")
	conf.SetDefault("serverShutdownTimeout", 5*time.Second)
	conf.SetDefault("jwtExpirationDelta", 7*24*time.Hour)
	conf.SetDefault("jwtRefreshExpirationDelta", 4*time.Hour)

	conf.SetDefault("databaseEngine", "postgres")
	conf.SetDefault("databaseHost", "localhost")
	conf.SetDefault("databasePort", "5432")
	conf.SetDefault("databaseName", "shule")
	conf.SetDefault("databaseUser", "shule")
	conf.SetDefault("databasePassword", "")
	conf.SetDefault("databaseAdminUser", "postgres")
	conf.SetDefault("databaseAdminPassword", "")
	conf.SetDefault("databaseDisableTLS", true)

	conf.SetDefault("redisAddr", "localhost:6379")
	conf.SetDefault("redisPassword", "")
	conf.SetDefault("redisDB", 0)

	conf.SetDefault("ledgerBackend", BackendMemory)
	conf.SetDefault("ledgerTxAttempts", 5)
	conf.SetDefault("ledgerRedeemRetries", 3)

	conf.SetDefault("visionEnabled", false)
	conf.SetDefault("visionCredentialsFile", "")

	env := strings.ToUpper(os.Getenv("ENV")) // DEV (local; default), TEST, QA, PROD
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		conf.SetDefault("testMode", true)
	}
	conf.SetEnvPrefix(env)

	// load .env if it exists (ignore if it does not)
	wd := Getwd()
	dotEnvPath := filepath.Join(wd, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	conf.AutomaticEnv()

	from, err := mail.ParseAddress(conf.GetString("defaultFromEmail"))
	if err != nil {
		log.Fatal(fmt.Errorf("config.defaultFromEmail: %v", err))
	}

	return &Config{
		Env:       env,
		WorkDir:   wd,
		Debug:     conf.GetBool("debug"),
		TestMode:  conf.GetBool("testMode"),
		AppName:   conf.GetString("appName"),
		Build:     conf.GetString("build"),
		SecretKey: conf.GetString("secretKey"),
		LogLevel:  conf.GetString("logLevel"),

		DefaultFromEmail: *from,
		RollbarToken:     conf.GetString("rollbarToken"),
		SendgridApiKey:   conf.GetString("sendgridApiKey"),

		School: SchoolConfig{
			ID:   conf.GetString("schoolId"),
			Name: conf.GetString("schoolName"),
		},
		Credentials: CredentialsConfig{
			EmailDomain:       conf.GetString("credentialsEmailDomain"),
			DefaultSchoolCode: conf.GetString("credentialsDefaultSchoolCode"),
			SuffixLen:         conf.GetInt("credentialsSuffixLen"),
		},
		Server: ServerConfig{
			Host:                      conf.GetString("serverHost"),
			Address:                   conf.GetString("serverAddress"),
			DebugHost:                 conf.GetString("serverDebugHost"),
			ShutdownTimeout:           conf.GetDuration("serverShutdownTimeout"),
			JWTExpirationDelta:        conf.GetDuration("jwtExpirationDelta"),
			JWTRefreshExpirationDelta: conf.GetDuration("jwtRefreshExpirationDelta"),
		},
		Database: DatabaseConfig{
			Engine:        conf.GetString("databaseEngine"),
			Host:          conf.GetString("databaseHost"),
			Port:          conf.GetString("databasePort"),
			Name:          conf.GetString("databaseName"),
			User:          conf.GetString("databaseUser"),
			Password:      conf.GetString("databasePassword"),
			AdminUser:     conf.GetString("databaseAdminUser"),
			AdminPassword: conf.GetString("databaseAdminPassword"),
			DisableTLS:    conf.GetBool("databaseDisableTLS"),
		},
		Redis: RedisConfig{
			Addr:     conf.GetString("redisAddr"),
			Password: conf.GetString("redisPassword"),
			DB:       conf.GetInt("redisDB"),
		},
		Ledger: LedgerConfig{
			Backend:       strings.ToLower(conf.GetString("ledgerBackend")),
			TxAttempts:    conf.GetInt("ledgerTxAttempts"),
			RedeemRetries: conf.GetUint("ledgerRedeemRetries"),
		},
		Vision: VisionConfig{
			Enabled:         conf.GetBool("visionEnabled"),
			CredentialsFile: conf.GetString("visionCredentialsFile"),
		},
	}
}
