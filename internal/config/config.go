package config

import (
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/sirupsen/logrus"
)

type Config struct {
	HTTPPort string `env:"HTTP_PORT" envDefault:"3001"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	DBType     string `env:"DBType" envDefault:"sqlite"`
	DSNURL     string `env:"DSN_URL" envDefault:""`
	DBUser     string `env:"DBUser" envDefault:""`
	DBPassword string `env:"DBPassword" envDefault:""`
	DBAddr     string `env:"DBAddr" envDefault:""`
	DBName     string `env:"DBName" envDefault:"makeover"`
	DBPath     string `env:"DBPath" envDefault:"datas/makeover.db"`
	DBPort     string `env:"DBPort" envDefault:"3306"`

	StorageType          string `env:"STORAGE_TYPE" envDefault:"local"`
	StorageLocalDir      string `env:"STORAGE_LOCAL_DIR" envDefault:"datas/images"`
	StoragePublicBaseURL string `env:"STORAGE_PUBLIC_BASE_URL" envDefault:"/files"`

	// S3 兼容存储配置
	StorageS3Region          string `env:"STORAGE_S3_REGION"`
	StorageS3Bucket          string `env:"STORAGE_S3_BUCKET"`
	StorageS3Prefix          string `env:"STORAGE_S3_PREFIX"`
	StorageS3Endpoint        string `env:"STORAGE_S3_ENDPOINT"`
	StorageS3AccessKeyID     string `env:"STORAGE_S3_ACCESS_KEY_ID"`
	StorageS3SecretAccessKey string `env:"STORAGE_S3_SECRET_ACCESS_KEY"`
	StorageS3SessionToken    string `env:"STORAGE_S3_SESSION_TOKEN"`
	StorageS3ForcePathStyle  bool   `env:"STORAGE_S3_FORCE_PATH_STYLE" envDefault:"false"`

	// 阿里云 OSS 存储配置
	StorageOSSEndpoint        string `env:"STORAGE_OSS_ENDPOINT"`
	StorageOSSBucket          string `env:"STORAGE_OSS_BUCKET"`
	StorageOSSPrefix          string `env:"STORAGE_OSS_PREFIX"`
	StorageOSSAccessKeyID     string `env:"STORAGE_OSS_ACCESS_KEY_ID"`
	StorageOSSAccessKeySecret string `env:"STORAGE_OSS_ACCESS_KEY_SECRET"`

	// 腾讯云 COS 存储配置
	StorageCOSBucketURL string `env:"STORAGE_COS_BUCKET_URL"`
	StorageCOSPrefix    string `env:"STORAGE_COS_PREFIX"`
	StorageCOSSecretID  string `env:"STORAGE_COS_SECRET_ID"`
	StorageCOSSecretKey string `env:"STORAGE_COS_SECRET_KEY"`

	// Cloudflare R2 存储配置
	StorageR2AccountID       string `env:"STORAGE_R2_ACCOUNT_ID"`
	StorageR2Endpoint        string `env:"STORAGE_R2_ENDPOINT"`
	StorageR2Region          string `env:"STORAGE_R2_REGION" envDefault:"auto"`
	StorageR2Bucket          string `env:"STORAGE_R2_BUCKET"`
	StorageR2Prefix          string `env:"STORAGE_R2_PREFIX"`
	StorageR2AccessKeyID     string `env:"STORAGE_R2_ACCESS_KEY_ID"`
	StorageR2SecretAccessKey string `env:"STORAGE_R2_SECRET_ACCESS_KEY"`

	// 生成网络（vendor）配置，匿名 demo 用户共享同一连接
	VendorAPIURL    string `env:"VENDOR_API_URL" envDefault:"https://api.sogni.ai"`
	VendorSocketURL string `env:"VENDOR_SOCKET_URL" envDefault:"wss://socket.sogni.ai"`
	VendorAppID     string `env:"VENDOR_APP_ID" envDefault:""`
	VendorUsername  string `env:"VENDOR_USERNAME" envDefault:""`
	VendorPassword  string `env:"VENDOR_PASSWORD" envDefault:""`
	VendorNetwork   string `env:"VENDOR_NETWORK" envDefault:"fast"`

	// 可选的 Redis，用于跨实例共享待发送事件缓冲
	RedisAddr     string `env:"REDIS_ADDR" envDefault:""`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	ProjectTimeout      time.Duration `env:"PROJECT_TIMEOUT" envDefault:"10m"`
	FallbackDelay       time.Duration `env:"FALLBACK_DELAY" envDefault:"20s"`
	FailsafeDelay       time.Duration `env:"FAILSAFE_DELAY" envDefault:"3s"`
	EventRetention      time.Duration `env:"EVENT_RETENTION" envDefault:"2m"`
	DisconnectDedup     time.Duration `env:"DISCONNECT_DEDUP" envDefault:"3s"`
	HeartbeatInterval   time.Duration `env:"SSE_HEARTBEAT" envDefault:"15s"`
	MaxImagesPerRequest int           `env:"MAX_IMAGES_PER_REQUEST" envDefault:"8"`
}

func ParseConfig() (Config, error) {
	var Conf Config
	err := env.Parse(&Conf)
	if err != nil {
		logrus.WithError(err).Error("env.Parse error")
		return Config{}, err
	}
	logrus.WithFields(logrus.Fields{
		"http_port":    Conf.HTTPPort,
		"db_type":      Conf.DBType,
		"storage_type": Conf.StorageType,
		"vendor_api":   Conf.VendorAPIURL,
		"redis":        Conf.RedisAddr != "",
	}).Debug("config parsed")
	return Conf, nil
}
