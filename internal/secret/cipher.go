package secret

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize AES-256 密钥长度
	KeySize = 32
	ivSize  = aes.BlockSize

	fingerprintInfo = "giftcard secret fingerprint"
	markerPrefix    = "[DECRYPTION ERROR: "
)

var (
	ErrEncryptionFailed = errors.New("secret: encryption failed")
	ErrDecryptionFailed = errors.New("secret: decryption failed")
	ErrKeyUnavailable   = errors.New("secret: key unavailable")
)

// Cipher 卡密加解密器，密钥在首次使用时加载并在进程生命周期内缓存
type Cipher struct {
	keyPath string

	once  sync.Once
	key   []byte
	fpKey []byte
	err   error
}

// NewCipher 创建基于密钥文件的加解密器（延迟加载）
func NewCipher(keyPath string) *Cipher {
	return &Cipher{keyPath: keyPath}
}

// NewCipherWithKey 使用内存中的密钥创建加解密器
func NewCipherWithKey(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: 密钥长度应为 %d 字节，实际 %d", ErrKeyUnavailable, KeySize, len(key))
	}
	c := &Cipher{}
	c.once.Do(func() {
		c.setKey(append([]byte(nil), key...))
	})
	return c, c.err
}

// GenerateKey 生成 256 位随机密钥并以 hex 写入 path。
// 文件已存在时不会覆盖，返回 created=false。
func GenerateKey(path string) (created bool, err error) {
	if path == "" {
		return false, fmt.Errorf("%w: 未配置密钥文件路径", ErrKeyUnavailable)
	}
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("%w: 检查密钥文件失败: %v", ErrKeyUnavailable, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, fmt.Errorf("%w: 创建密钥目录失败: %v", ErrKeyUnavailable, err)
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return false, fmt.Errorf("%w: 生成随机密钥失败: %v", ErrKeyUnavailable, err)
	}

	// O_EXCL 保证并发启动时只有一个进程写入密钥
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: 创建密钥文件失败: %v", ErrKeyUnavailable, err)
	}
	defer f.Close()

	if _, err := f.WriteString(hex.EncodeToString(key)); err != nil {
		return false, fmt.Errorf("%w: 写入密钥文件失败: %v", ErrKeyUnavailable, err)
	}
	return true, nil
}

// LoadKey 读取 hex 编码的密钥文件
func LoadKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: 读取密钥文件失败: %v", ErrKeyUnavailable, err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("%w: 密钥格式错误: %v", ErrKeyUnavailable, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: 密钥长度应为 %d 字节，实际 %d", ErrKeyUnavailable, KeySize, len(key))
	}
	return key, nil
}

// Ready 加载（必要时生成）密钥，返回缓存的配置错误
func (c *Cipher) Ready() error {
	c.once.Do(func() {
		if _, err := GenerateKey(c.keyPath); err != nil {
			c.err = err
			return
		}
		key, err := LoadKey(c.keyPath)
		if err != nil {
			c.err = err
			return
		}
		c.setKey(key)
	})
	return c.err
}

func (c *Cipher) setKey(key []byte) {
	fpKey := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(fingerprintInfo)), fpKey); err != nil {
		c.err = fmt.Errorf("%w: 派生指纹密钥失败: %v", ErrKeyUnavailable, err)
		return
	}
	c.key = key
	c.fpKey = fpKey
}

// Encrypt 返回 base64(iv ‖ AES-256-CBC(plaintext))，每次调用使用新的随机 IV
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if err := c.Ready(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, ivSize+len(padded))
	iv := out[:ivSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("%w: 生成 IV 失败: %v", ErrEncryptionFailed, err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[ivSize:], padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt 解密 Encrypt 的输出
func (c *Cipher) Decrypt(blob string) (string, error) {
	if err := c.Ready(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(blob))
	if err != nil {
		return "", fmt.Errorf("%w: base64 解码失败", ErrDecryptionFailed)
	}
	if len(raw) < ivSize {
		return "", fmt.Errorf("%w: 密文过短", ErrDecryptionFailed)
	}

	iv, data := raw[:ivSize], raw[ivSize:]
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: 密文长度无效", ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)

	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plain), nil
}

// Fingerprint 明文的确定性指纹（HMAC-SHA256），用于卡密唯一性约束
func (c *Cipher) Fingerprint(plaintext string) (string, error) {
	if err := c.Ready(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	mac := hmac.New(sha256.New, c.fpKey)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// ErrorMarker 解密失败时替代明文展示的占位符
func ErrorMarker(err error) string {
	msg := "unknown"
	if err != nil {
		msg = err.Error()
	}
	return markerPrefix + msg + "]"
}

// IsErrorMarker 判断字符串是否为解密失败占位符
func IsErrorMarker(s string) bool {
	return strings.HasPrefix(s, markerPrefix)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("填充长度无效")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("填充无效")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("填充无效")
		}
	}
	return data[:len(data)-n], nil
}
