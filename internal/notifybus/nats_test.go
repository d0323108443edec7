package notifybus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alovak/virtualcards/issuer/models"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu   sync.Mutex
	msgs []published
	fail map[string]error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[subject]; err != nil {
		return err
	}
	c.msgs = append(c.msgs, published{subject: subject, data: data})
	return nil
}

func TestNATSPublisher_Publish(t *testing.T) {
	conn := &fakeConn{}
	pub := NewNATSPublisher(conn, "issuer.notifications.")

	events := []*models.NotificationEvent{
		{ID: "e1", UserID: "u1", Category: models.CategoryCardApproval, Severity: models.SeveritySuccess},
		{ID: "e2", UserID: "u1", Category: models.CategoryCardCreation, Severity: models.SeveritySuccess},
		{ID: "e3", UserID: "admin.ops", Category: models.CategoryNewRequest, Severity: models.SeverityInfo},
	}
	require.NoError(t, pub.Publish(context.Background(), events))
	require.Len(t, conn.msgs, 3)

	bySubject := map[string][]string{}
	for _, m := range conn.msgs {
		var msg Message
		require.NoError(t, json.Unmarshal(m.data, &msg))
		require.Equal(t, MessageTypeNotification, msg.Type)
		bySubject[m.subject] = append(bySubject[m.subject], msg.Event.ID)
	}
	require.ElementsMatch(t, []string{"e1", "e2"}, bySubject["issuer.notifications.u1"])
	require.Equal(t, []string{"e3"}, bySubject["issuer.notifications.admin_ops"])
}

func TestNATSPublisher_ReportsFailure(t *testing.T) {
	boom := errors.New("connection closed")
	conn := &fakeConn{fail: map[string]error{"n.u2": boom}}
	pub := NewNATSPublisher(conn, "n")

	err := pub.Publish(context.Background(), []*models.NotificationEvent{
		{ID: "e1", UserID: "u2"},
	})
	require.ErrorIs(t, err, boom)
}

func TestNATSPublisher_DefaultPrefix(t *testing.T) {
	pub := NewNATSPublisher(&fakeConn{}, "")
	require.Equal(t, DefaultSubjectPrefix+".u1", pub.Subject("u1"))
	require.Equal(t, DefaultSubjectPrefix+"._", pub.Subject(""))
	require.Equal(t, DefaultSubjectPrefix+".a_b_c", pub.Subject("a*b>c"))
}

func TestNopPublisher(t *testing.T) {
	require.NoError(t, NopPublisher{}.Publish(context.Background(), []*models.NotificationEvent{{ID: "e1"}}))
}
