package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// dashboardHandler serves the admin page. The page itself is public; its data
// comes from /admin/dashboard with the admin key typed into the page.
func dashboardHandler(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>quotagate</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: #1f2937;
            min-height: 100vh;
            padding: 20px;
        }
        .container { max-width: 1200px; margin: 0 auto; }
        .header { text-align: center; color: white; margin-bottom: 24px; }
        .header h1 { font-size: 2.2em; margin-bottom: 8px; }
        .key-form { text-align: center; margin-bottom: 24px; }
        .key-form input { padding: 8px 12px; border-radius: 8px; border: none; width: 320px; }
        .key-form span { color: #fca5a5; margin-left: 12px; }
        .stats-grid {
            display: grid;
            grid-template-columns: repeat(auto-fit, minmax(220px, 1fr));
            gap: 20px;
            margin-bottom: 30px;
        }
        .stat-card, .table-card {
            background: white;
            border-radius: 12px;
            padding: 25px;
            box-shadow: 0 4px 6px rgba(0,0,0,0.1);
        }
        .stat-label {
            color: #666;
            font-size: 0.9em;
            text-transform: uppercase;
            letter-spacing: 1px;
            margin-bottom: 10px;
        }
        .stat-value { font-size: 2.4em; font-weight: bold; color: #333; }
        .stat-value.success { color: #10b981; }
        .stat-value.danger { color: #ef4444; }
        .stat-value.info { color: #3b82f6; }
        .stat-value.warning { color: #f59e0b; }
        .stat-sublabel { margin-top: 8px; font-size: 0.9em; color: #666; }
        .table-card h2 { margin-bottom: 20px; color: #333; }
        table { width: 100%; border-collapse: collapse; }
        th {
            text-align: left;
            padding: 12px;
            background: #f3f4f6;
            color: #666;
            text-transform: uppercase;
            font-size: 0.85em;
        }
        td { padding: 12px; border-bottom: 1px solid #e5e7eb; }
        .badge { display: inline-block; padding: 4px 12px; border-radius: 12px; font-size: 0.85em; font-weight: 600; }
        .badge.success { background: #d1fae5; color: #065f46; }
        .badge.danger { background: #fee2e2; color: #991b1b; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>quotagate</h1>
            <p>Admission and quota dashboard</p>
        </div>

        <div class="key-form">
            <input type="password" id="apiKey" placeholder="Admin API key">
            <span id="status"></span>
        </div>

        <div class="stats-grid">
            <div class="stat-card">
                <div class="stat-label">Checks</div>
                <div class="stat-value info" id="totalRequests">0</div>
                <div class="stat-sublabel" id="uptime"></div>
            </div>
            <div class="stat-card">
                <div class="stat-label">Allowed</div>
                <div class="stat-value success" id="allowedRequests">0</div>
                <div class="stat-sublabel" id="successRate">0% allowed</div>
            </div>
            <div class="stat-card">
                <div class="stat-label">Denied</div>
                <div class="stat-value danger" id="deniedRequests">0</div>
                <div class="stat-sublabel" id="denyRate">0% denied</div>
            </div>
            <div class="stat-card">
                <div class="stat-label">Store unavailable</div>
                <div class="stat-value warning" id="unavailableRequests">0</div>
            </div>
            <div class="stat-card">
                <div class="stat-label">Unique callers</div>
                <div class="stat-value" id="uniqueCallers">0</div>
            </div>
        </div>

        <div class="table-card">
            <h2>Top callers</h2>
            <table>
                <thead>
                    <tr>
                        <th>Caller</th>
                        <th>Role</th>
                        <th>Total</th>
                        <th>Allowed</th>
                        <th>Denied</th>
                        <th>Last seen</th>
                    </tr>
                </thead>
                <tbody id="topCallersTable">
                    <tr><td colspan="6" style="text-align: center; color: #999;">Enter an admin key</td></tr>
                </tbody>
            </table>
        </div>
    </div>

    <script>
        const keyInput = document.getElementById('apiKey');
        keyInput.value = localStorage.getItem('quotagate.key') || '';
        keyInput.addEventListener('change', () => {
            localStorage.setItem('quotagate.key', keyInput.value);
            fetchSnapshot();
        });

        async function fetchSnapshot() {
            const status = document.getElementById('status');
            if (!keyInput.value) return;
            try {
                const response = await fetch('/admin/dashboard', { headers: { 'X-API-Key': keyInput.value } });
                if (!response.ok) {
                    status.textContent = response.status === 403 ? 'not an admin key' : 'HTTP ' + response.status;
                    return;
                }
                status.textContent = '';
                updateDashboard(await response.json());
            } catch (error) {
                status.textContent = 'unreachable';
            }
        }

        function updateDashboard(data) {
            document.getElementById('totalRequests').textContent = data.total_requests.toLocaleString();
            document.getElementById('allowedRequests').textContent = data.allowed_requests.toLocaleString();
            document.getElementById('deniedRequests').textContent = data.denied_requests.toLocaleString();
            document.getElementById('unavailableRequests').textContent = data.unavailable_requests.toLocaleString();
            document.getElementById('uniqueCallers').textContent = data.unique_callers.toLocaleString();
            document.getElementById('uptime').textContent = 'up ' + Math.floor(data.uptime_seconds / 60) + ' min';

            const total = data.total_requests || 1;
            document.getElementById('successRate').textContent = ((data.allowed_requests / total) * 100).toFixed(1) + '% allowed';
            document.getElementById('denyRate').textContent = ((data.denied_requests / total) * 100).toFixed(1) + '% denied';

            const tbody = document.getElementById('topCallersTable');
            if (!data.top_callers || data.top_callers.length === 0) {
                tbody.innerHTML = '<tr><td colspan="6" style="text-align: center; color: #999;">No requests yet</td></tr>';
                return;
            }
            tbody.innerHTML = data.top_callers.map(c => ` + "`" + `
                <tr>
                    <td><strong>${c.caller_id}</strong></td>
                    <td>${c.role}</td>
                    <td>${c.total_requests.toLocaleString()}</td>
                    <td><span class="badge success">${c.allowed_requests}</span></td>
                    <td><span class="badge danger">${c.denied_requests}</span></td>
                    <td>${new Date(c.last_request_at).toLocaleTimeString()}</td>
                </tr>` + "`" + `).join('');
        }

        fetchSnapshot();
        setInterval(fetchSnapshot, 2000);
    </script>
</body>
</html>`
