package services

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/pkcs12"

	"me.sttot/gclb-cert/src/models"
	"me.sttot/gclb-cert/src/utils"
)

const (
	// maxResourceNameLength 平台资源名的最大长度
	maxResourceNameLength = 63
	// MaxAliasLength 保证临时别名也不超过平台限制
	MaxAliasLength = maxResourceNameLength - len(models.TempAliasSuffix)

	aliasPrefix         = "kf"
	maxSimpleNameLength = 35
)

var (
	aliasPattern      = regexp.MustCompile(`^[a-z]([-a-z0-9]*[a-z0-9])?$`)
	invalidAliasChars = regexp.MustCompile(`[^a-z0-9-]`)
)

// ValidateAlias 别名只能包含小写字母、数字和连字符，且以字母开头
func ValidateAlias(alias string) error {
	if len(alias) > MaxAliasLength {
		return fmt.Errorf("alias %q is longer than %d characters", alias, MaxAliasLength)
	}
	if !aliasPattern.MatchString(alias) {
		return fmt.Errorf("alias %q must match %s", alias, aliasPattern)
	}
	return nil
}

// GenerateAlias 根据证书主题和序列号生成别名: kf-<名称>-<倒序序列号>
func GenerateAlias(certPEM []byte) (string, error) {
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return "", err
	}

	simpleName := cert.Subject.CommonName
	if simpleName == "" && len(cert.DNSNames) > 0 {
		simpleName = cert.DNSNames[0]
	}
	simpleName = strings.ToLower(strings.ReplaceAll(simpleName, ".", "-"))
	if len(simpleName) > maxSimpleNameLength {
		simpleName = simpleName[:maxSimpleNameLength]
	}

	serial := []rune(strings.ToLower(cert.SerialNumber.Text(16)))
	for i, j := 0, len(serial)-1; i < j; i, j = i+1, j-1 {
		serial[i], serial[j] = serial[j], serial[i]
	}

	alias := aliasPrefix + "-" + simpleName + "-" + string(serial)
	alias = invalidAliasChars.ReplaceAllString(alias, "")
	if len(alias) > MaxAliasLength {
		alias = alias[:MaxAliasLength]
	}
	alias = strings.TrimRight(alias, "-")

	utils.DebugLog("生成别名 %s", alias)
	return alias, nil
}

// ConvertPFX 从PFX中提取PEM格式的证书链和PKCS#8私钥，链中自签名的根证书不输出
func ConvertPFX(pfxData []byte, password string) ([]byte, []byte, error) {
	if password == "" {
		return nil, nil, fmt.Errorf("no private key is present: pfx password is empty")
	}

	blocks, err := pkcs12.ToPEM(pfxData, password)
	if err != nil {
		return nil, nil, fmt.Errorf("decode pfx: %v", err)
	}

	var (
		key   crypto.Signer
		certs []*x509.Certificate
	)
	for _, block := range blocks {
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, nil, fmt.Errorf("parse pfx certificate: %v", err)
			}
			certs = append(certs, cert)
		case "PRIVATE KEY":
			if key != nil {
				return nil, nil, fmt.Errorf("pfx contains more than one private key")
			}
			if key, err = parsePrivateKey(block.Bytes); err != nil {
				return nil, nil, err
			}
		}
	}
	if key == nil {
		return nil, nil, fmt.Errorf("unable to get the private key from pfx")
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %v", err)
	}

	var chain bytes.Buffer
	// 先写入与私钥匹配的证书
	for _, leafPass := range []bool{true, false} {
		for _, cert := range certs {
			if isLeaf(cert, key) != leafPass || (!leafPass && isSelfSigned(cert)) {
				continue
			}
			if err := pem.Encode(&chain, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}); err != nil {
				return nil, nil, err
			}
		}
	}
	if chain.Len() == 0 {
		return nil, nil, fmt.Errorf("pfx contains no usable certificate")
	}

	return chain.Bytes(), pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), nil
}

// parsePrivateKey pkcs12.ToPEM 输出的私钥可能是 PKCS#1、SEC1 或 PKCS#8
func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse pfx private key: %v", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	return signer, nil
}

func isLeaf(cert *x509.Certificate, key crypto.Signer) bool {
	pub, ok := cert.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	return ok && pub.Equal(key.Public())
}

func isSelfSigned(cert *x509.Certificate) bool {
	return bytes.Equal(cert.RawSubject, cert.RawIssuer)
}
