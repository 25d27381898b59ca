package notify

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/smtp"
	"strings"

	"github.com/skip2/go-qrcode"

	"ms-booking-saga/internal/config"
	"ms-booking-saga/internal/logger"
	"ms-booking-saga/internal/models"
)

// Notifier sends the booking confirmation: an encrypted QR ticket, emailed
// when SMTP is configured and logged otherwise. The QR payload is AES
// encrypted so a screenshot can't be forged into another booking.
type Notifier struct {
	secret []byte
	cfg    config.EmailConfig
	Logger *logger.Logger
}

func NewNotifier(secret string, cfg config.EmailConfig, log *logger.Logger) *Notifier {
	hashed := sha256.Sum256([]byte(secret)) // normalize to 32 bytes
	return &Notifier{secret: hashed[:], cfg: cfg, Logger: log}
}

// ConfirmationQR renders the booking into an encrypted QR code PNG.
func (n *Notifier) ConfirmationQR(payload models.NotifyPayload) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	encrypted, err := encryptAES(data, n.secret)
	if err != nil {
		return nil, err
	}

	return qrcode.Encode(encrypted, qrcode.Medium, 256)
}

// Send delivers the confirmation. Without an SMTP host the notifier runs in
// log-only mode, which is what local development uses.
func (n *Notifier) Send(ctx context.Context, payload models.NotifyPayload) error {
	png, err := n.ConfirmationQR(payload)
	if err != nil {
		return fmt.Errorf("generate confirmation QR: %w", err)
	}

	if n.cfg.SMTPHost == "" {
		n.Logger.Info("NOTIFY", fmt.Sprintf("log-only delivery for booking %s (%d seat(s), QR %d bytes)",
			payload.BookingID, len(payload.SeatIDs), len(png)))
		return nil
	}

	if err := n.email(payload, png); err != nil {
		return fmt.Errorf("send confirmation email: %w", err)
	}

	n.Logger.Info("NOTIFY", fmt.Sprintf("emailed confirmation for booking %s to user %s", payload.BookingID, payload.UserID))
	return nil
}

func (n *Notifier) email(payload models.NotifyPayload, png []byte) error {
	to := payload.UserID // user IDs are email addresses upstream
	boundary := "booking-confirmation"

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: Your booking %s is confirmed\r\n", payload.BookingID)
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\nContent-Type: multipart/mixed; boundary=%s\r\n\r\n", boundary)

	fmt.Fprintf(&b, "--%s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n", boundary)
	fmt.Fprintf(&b, "Your booking for showtime %s is confirmed.\r\nSeats: %s\r\n\r\n",
		payload.ShowtimeID, strings.Join(payload.SeatIDs, ", "))

	fmt.Fprintf(&b, "--%s\r\nContent-Type: image/png\r\nContent-Transfer-Encoding: base64\r\n", boundary)
	fmt.Fprintf(&b, "Content-Disposition: attachment; filename=ticket-%s.png\r\n\r\n", payload.BookingID)
	b.WriteString(base64.StdEncoding.EncodeToString(png))
	fmt.Fprintf(&b, "\r\n--%s--\r\n", boundary)

	addr := n.cfg.SMTPHost + ":" + n.cfg.SMTPPort
	auth := smtp.PlainAuth("", n.cfg.SMTPUsername, n.cfg.SMTPPassword, n.cfg.SMTPHost)
	return smtp.SendMail(addr, auth, n.cfg.From, []string{to}, []byte(b.String()))
}

func encryptAES(data []byte, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	ciphertext := make([]byte, aes.BlockSize+len(data))
	iv := ciphertext[:aes.BlockSize]

	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(ciphertext[aes.BlockSize:], data)

	return base64.URLEncoding.EncodeToString(ciphertext), nil
}
