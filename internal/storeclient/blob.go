/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package storeclient

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/foxcpp/spoolq/internal/storage/blob"
)

// BlobKey returns the object key a message is stored under.
func BlobKey(user, mailbox string, msg Message) string {
	return path.Join(user, mailbox, fmt.Sprintf("%07x", uint32(msg.ID)))
}

func (p *Pass) deliverBlob(ctx context.Context, user, mailbox string) error {
	f, err := os.Open(p.msg.Path)
	if err != nil {
		return fmt.Errorf("storeclient: %w", err)
	}
	defer f.Close()

	size := p.msg.Size
	if size <= 0 {
		size = blob.UnknownBlobSize
	}

	b, err := p.c.cfg.Blob.Create(ctx, BlobKey(user, mailbox, p.msg), size)
	if err != nil {
		return fmt.Errorf("storeclient: blob create: %w", err)
	}
	defer b.Close()

	if _, err := io.Copy(b, f); err != nil {
		return fmt.Errorf("storeclient: blob write: %w", err)
	}
	if err := b.Sync(); err != nil {
		return fmt.Errorf("storeclient: blob sync: %w", err)
	}
	return nil
}
