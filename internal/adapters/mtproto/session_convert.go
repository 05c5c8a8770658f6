package mtproto

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/gotd/td/crypto"
	"github.com/gotd/td/session"
	"github.com/gotd/td/tg"
)

// ErrUnsupportedSessionFormat возвращается, когда формат сессии не распознан.
var ErrUnsupportedSessionFormat = fmt.Errorf("неподдерживаемый формат MTProto-сессии")

// NormalizeSessionBytes приводит сессию к JSON-формату gotd. Поддерживаются
// строковые сессии Telethon и его JSON-выгрузки: исходная система вела
// аккаунты через Telethon, и в БД встречаются оба формата. Второй результат
// сообщает, потребовалась ли конвертация.
func NormalizeSessionBytes(raw []byte) ([]byte, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("MTProto-сессия пуста")
	}

	var gotdHeader struct {
		Version int `json:"Version"`
	}
	if err := json.Unmarshal(trimmed, &gotdHeader); err == nil && gotdHeader.Version != 0 {
		return append([]byte(nil), trimmed...), false, nil
	}

	converters := []func([]byte) ([]byte, error){
		fromTelethonAccountJSON,
		fromTelethonSessionJSON,
		fromTelethonString,
	}
	for _, convert := range converters {
		if out, err := convert(trimmed); err == nil {
			return out, true, nil
		}
	}
	return nil, false, ErrUnsupportedSessionFormat
}

func fromTelethonAccountJSON(raw []byte) ([]byte, error) {
	var account struct {
		ExtraParams string `json:"extra_params"`
	}
	if err := json.Unmarshal(raw, &account); err != nil {
		return nil, err
	}
	if account.ExtraParams == "" {
		return nil, fmt.Errorf("в JSON аккаунта нет extra_params")
	}
	return fromTelethonString([]byte(account.ExtraParams))
}

func fromTelethonSessionJSON(raw []byte) ([]byte, error) {
	var rows []struct {
		DCID          int    `json:"dc_id"`
		ServerAddress string `json:"server_address"`
		Port          int    `json:"port"`
		AuthKey       string `json:"auth_key"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.AuthKey == "" || row.ServerAddress == "" || row.Port == 0 {
			continue
		}
		return encodeSessionData(row.DCID, row.ServerAddress, row.Port, row.AuthKey)
	}
	return nil, fmt.Errorf("в JSON сессии нет пригодных строк")
}

func fromTelethonString(raw []byte) ([]byte, error) {
	candidate := strings.TrimSpace(string(raw))
	candidate = strings.Trim(candidate, "\"'\n\r\t")
	if candidate == "" {
		return nil, fmt.Errorf("пустая строковая сессия")
	}

	data, err := session.TelethonSession(candidate)
	if err != nil {
		return nil, err
	}
	if data.Config.ThisDC == 0 {
		data.Config.ThisDC = data.DC
	}
	if data.Addr != "" && len(data.Config.DCOptions) == 0 {
		if host, portStr, splitErr := net.SplitHostPort(data.Addr); splitErr == nil {
			if port, convErr := strconv.Atoi(portStr); convErr == nil {
				data.Config.DCOptions = []tg.DCOption{{ID: data.DC, IPAddress: host, Port: port}}
			}
		}
	}
	return marshalSessionData(*data)
}

func encodeSessionData(dcID int, host string, port int, authKeyHex string) ([]byte, error) {
	authKeyHex = strings.Trim(strings.TrimSpace(authKeyHex), "'\"")
	if authKeyHex == "" {
		return nil, fmt.Errorf("пустой auth_key")
	}

	rawKey, err := hex.DecodeString(authKeyHex)
	if err != nil {
		return nil, fmt.Errorf("декодирование auth_key: %w", err)
	}
	if len(rawKey) != len(crypto.Key{}) {
		return nil, fmt.Errorf("неожиданная длина auth_key: %d байт", len(rawKey))
	}

	var key crypto.Key
	copy(key[:], rawKey)
	id := key.WithID().ID

	data := session.Data{
		Config: session.Config{
			ThisDC:    dcID,
			DCOptions: []tg.DCOption{{ID: dcID, IPAddress: host, Port: port}},
		},
		DC:        dcID,
		Addr:      net.JoinHostPort(host, strconv.Itoa(port)),
		AuthKey:   append([]byte(nil), key[:]...),
		AuthKeyID: append([]byte(nil), id[:]...),
	}
	return marshalSessionData(data)
}

func marshalSessionData(data session.Data) ([]byte, error) {
	payload := struct {
		Version int          `json:"Version"`
		Data    session.Data `json:"Data"`
	}{Version: 1, Data: data}
	return json.Marshal(payload)
}
