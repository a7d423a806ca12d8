package auth

import (
	"errors"
	"remove-anything/app/config"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 令牌剩余有效期小于该窗口时才允许刷新
const refreshWindow = time.Hour

var (
	// ErrTokenInvalid 令牌校验未通过
	ErrTokenInvalid = errors.New("令牌无效")
	// ErrTokenStillFresh 令牌尚在有效期内，无需刷新
	ErrTokenStillFresh = errors.New("令牌尚在有效期内，无需刷新")
)

// Claims 访问令牌的声明。任务接口允许匿名访问，
// 令牌只用于把提交、积分和流水归属到具体用户。
type Claims struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTService 签发和校验访问令牌
type JWTService struct {
	secret   []byte
	issuer   string
	tokenTTL time.Duration
}

// NewJWTService 创建令牌服务
func NewJWTService(cfg *config.Config) *JWTService {
	return &JWTService{
		secret:   []byte(cfg.JWT.Secret),
		issuer:   cfg.JWT.Issuer,
		tokenTTL: time.Duration(cfg.JWT.ExpireTime) * time.Hour,
	}
}

// GenerateToken 为用户签发访问令牌
func (j *JWTService) GenerateToken(userID uint, username string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken 校验访问令牌并返回声明
func (j *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("意外的令牌签名方法")
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// RefreshToken 刷新即将过期的访问令牌
func (j *JWTService) RefreshToken(tokenString string) (string, error) {
	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return "", err
	}

	if time.Until(claims.ExpiresAt.Time) > refreshWindow {
		return "", ErrTokenStillFresh
	}

	return j.GenerateToken(claims.UserID, claims.Username)
}
