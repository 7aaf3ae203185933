package relay

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"
)

// TURNCredentialTTL is how long minted TURN credentials stay valid.
const TURNCredentialTTL = 6 * time.Hour

// TURNCredentials mints time-limited credentials for the TURN REST API
// scheme used by coturn's static-auth-secret: the username is
// "expiry:clientID" and the password is base64(HMAC-SHA1(secret, username)).
func TURNCredentials(secret, clientID string, now time.Time) (username, password string) {
	expiry := now.Add(TURNCredentialTTL).Unix()
	username = fmt.Sprintf("%d:%s", expiry, clientID)

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	password = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return username, password
}
