// token-init 把 .env / 环境变量里的 Tradier 凭证导入加密的 badger 存储，
// 之后的进程不再需要明文 token。
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/betbot/gotradier/pkg/secretstore"
)

func main() {
	var (
		envPath   = flag.String("env", ".env", ".env 文件路径")
		dbPath    = flag.String("db", getenv("TRADIER_SECRET_DB", "data/secrets.badger"), "badger 存储路径")
		secretKey = flag.String("secret-key", getenv("TRADIER_SECRET_KEY", ""), "加密密钥（32 字节，base64/hex）")
	)
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !os.IsNotExist(err) {
		fatal(err)
	}

	keyBytes, err := secretstore.ParseKey(*secretKey)
	if err != nil {
		fatal(err)
	}
	if keyBytes == nil {
		fatal(fmt.Errorf("缺少加密密钥：设置 TRADIER_SECRET_KEY 或传 -secret-key"))
	}

	tokens := secretstore.Tokens{
		AccessToken:  strings.TrimSpace(os.Getenv("TRADIER_ACCESS_TOKEN")),
		RefreshToken: strings.TrimSpace(os.Getenv("TRADIER_REFRESH_TOKEN")),
		AccountID:    strings.TrimSpace(os.Getenv("TRADIER_ACCOUNT_ID")),
	}
	if tokens.AccessToken == "" && tokens.RefreshToken == "" {
		fatal(fmt.Errorf("环境里没有 TRADIER_ACCESS_TOKEN / TRADIER_REFRESH_TOKEN"))
	}

	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          *dbPath,
		EncryptionKey: keyBytes,
	})
	if err != nil {
		fatal(err)
	}
	defer ss.Close()

	if err := ss.SaveTokens(tokens); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "凭证已导入：%s\n", *dbPath)
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
